package web

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"sort"
	"strings"
)

//go:embed articles
var articles embed.FS

var ErrArticleNotFound = errors.New("article not found")

type ArticlePreview struct {
	Slug        string `json:"-"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Date        string `json:"date"`
}

type Article struct {
	ArticlePreview
	Body template.HTML
}

type MarkdownRenderer interface {
	Render(src string) (string, error)
}

// Blog serves the articles embedded under articles/<slug>/, each made of a
// preview.json and a body.md.
type Blog struct {
	renderer MarkdownRenderer
}

func NewBlog(r MarkdownRenderer) *Blog {
	return &Blog{renderer: r}
}

// Previews lists every article, newest first. Directories without a valid
// preview.json are skipped.
func (b *Blog) Previews() ([]ArticlePreview, error) {
	entries, err := fs.ReadDir(articles, "articles")
	if err != nil {
		return nil, err
	}

	var previews []ArticlePreview
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		p, err := readPreview(entry.Name())
		if err != nil {
			continue
		}
		previews = append(previews, p)
	}
	sort.Slice(previews, func(i, j int) bool {
		if previews[i].Date != previews[j].Date {
			return previews[i].Date > previews[j].Date
		}
		return previews[i].Slug < previews[j].Slug
	})
	return previews, nil
}

func (b *Blog) Article(slug string) (*Article, error) {
	if !fs.ValidPath(slug) || slug == "." || strings.Contains(slug, "/") {
		return nil, ErrArticleNotFound
	}
	preview, err := readPreview(slug)
	if err != nil {
		return nil, ErrArticleNotFound
	}
	body, err := articles.ReadFile("articles/" + slug + "/body.md")
	if err != nil {
		return nil, ErrArticleNotFound
	}
	out, err := b.renderer.Render(string(body))
	if err != nil {
		return nil, err
	}
	return &Article{ArticlePreview: preview, Body: template.HTML(out)}, nil
}

func readPreview(slug string) (ArticlePreview, error) {
	raw, err := articles.ReadFile("articles/" + slug + "/preview.json")
	if err != nil {
		return ArticlePreview{}, err
	}
	var p ArticlePreview
	if err := json.Unmarshal(raw, &p); err != nil {
		return ArticlePreview{}, fmt.Errorf("invalid preview for %s: %w", slug, err)
	}
	p.Slug = slug
	return p, nil
}
