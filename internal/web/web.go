// Package web holds the embedded templates, static assets and blog articles
// of the HTML interface.
package web

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"
)

//go:embed templates static
var assets embed.FS

// Templates renders full pages (a view inside the layout) and htmx fragments.
type Templates struct {
	pages     map[string]*template.Template
	fragments *template.Template
}

func LoadTemplates() (*Templates, error) {
	t := &Templates{pages: make(map[string]*template.Template)}

	views, err := fs.Glob(assets, "templates/views/*.html")
	if err != nil {
		return nil, err
	}
	for _, view := range views {
		name := strings.TrimSuffix(path.Base(view), ".html")
		tmpl, err := template.New(name).ParseFS(assets, "templates/layout.html", view)
		if err != nil {
			return nil, fmt.Errorf("failed to parse view %s: %w", name, err)
		}
		t.pages[name] = tmpl
	}

	t.fragments, err = template.New("fragments").ParseFS(assets, "templates/fragments/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse fragments: %w", err)
	}
	return t, nil
}

// Page is the data handed to the layout. View carries the view specific
// data.
type Page struct {
	Title      string
	User       any
	WithFooter bool
	View       any
}

// RenderPage executes view inside the layout. Output is buffered so a
// template error never produces a half-written page.
func (t *Templates) RenderPage(w io.Writer, view string, page Page) error {
	tmpl, ok := t.pages[view]
	if !ok {
		return fmt.Errorf("unknown view %q", view)
	}
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", page); err != nil {
		return fmt.Errorf("failed to render view %s: %w", view, err)
	}
	_, err := buf.WriteTo(w)
	return err
}

func (t *Templates) RenderFragment(w io.Writer, name string, data any) error {
	var buf bytes.Buffer
	if err := t.fragments.ExecuteTemplate(&buf, name, data); err != nil {
		return fmt.Errorf("failed to render fragment %s: %w", name, err)
	}
	_, err := buf.WriteTo(w)
	return err
}

// StaticHandler serves the embedded static directory.
func StaticHandler() http.Handler {
	sub, err := fs.Sub(assets, "static")
	if err != nil {
		panic(err)
	}
	return http.FileServer(http.FS(sub))
}
