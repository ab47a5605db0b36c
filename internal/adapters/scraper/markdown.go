package scraper

import (
	"net/url"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/manthysbr/jobpipe/internal/core/ports"
)

var (
	blankLines = regexp.MustCompile(`\n{3,}`)
	imageOnly  = regexp.MustCompile(`^!\[[^\]]*\]\([^\)]+\)$`)
)

// boilerplate class/id fragments stripped before conversion.
var boilerplateKeywords = []string{
	"cookie", "consent", "banner", "navbar", "nav-", "menu-",
	"pagination", "share", "signup", "signin", "login",
	"advert", "promo", "modal", "popup", "breadcrumb", "sidebar",
}

// BuildPage parses raw HTML fetched from pageURL. Title and links are taken
// from the whole document; the markdown body only from the main content.
func BuildPage(pageURL, html string) (*ports.Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	page := &ports.Page{
		URL:   pageURL,
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
		Links: extractLinks(doc, pageURL),
		HTML:  html,
	}
	if page.Title == "" {
		page.Title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	page.Markdown = contentMarkdown(doc)
	return page, nil
}

func extractLinks(doc *goquery.Document, pageURL string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		abs.Fragment = ""
		link := abs.String()
		if _, ok := seen[link]; ok {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})
	return links
}

func contentMarkdown(doc *goquery.Document) string {
	var content *goquery.Selection
	for _, sel := range []string{"main", `[role="main"]`, "article", "#content", "#main"} {
		if found := doc.Find(sel); found.Length() > 0 {
			content = found.First()
			break
		}
	}
	if content == nil {
		content = doc.Find("body")
	}

	content.Find("script, style, noscript, nav, header, footer, aside, form, iframe, svg, button, input").Remove()
	content.Find(`[role="navigation"], [role="banner"], [role="contentinfo"], [aria-modal]`).Remove()
	content.Find("[class], [id]").Each(func(_ int, s *goquery.Selection) {
		class, _ := s.Attr("class")
		id, _ := s.Attr("id")
		lower := strings.ToLower(class + " " + id)
		for _, kw := range boilerplateKeywords {
			if strings.Contains(lower, kw) {
				s.Remove()
				return
			}
		}
	})

	body, err := content.Html()
	if err != nil {
		return ""
	}
	out, err := md.NewConverter("", true, nil).ConvertString(body)
	if err != nil {
		return ""
	}
	return cleanMarkdown(out)
}

func cleanMarkdown(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		line := strings.TrimRight(l, " \t")
		if imageOnly.MatchString(strings.TrimSpace(line)) {
			continue
		}
		out = append(out, line)
	}
	cleaned := blankLines.ReplaceAllString(strings.Join(out, "\n"), "\n\n")
	return strings.TrimSpace(cleaned)
}
