package delivery

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/BTreeMap/StepFlow/internal/models"
)

// Catalog renders response keys to text with text/template. Entities are
// available as {{entity "name"}}, which tolerates names containing slashes.
type Catalog struct {
	templates map[string]*template.Template
}

// NewCatalog parses one template per response key.
func NewCatalog(texts map[string]string) (*Catalog, error) {
	c := &Catalog{templates: make(map[string]*template.Template, len(texts))}
	for key, text := range texts {
		tmpl, err := template.New(key).Option("missingkey=zero").Funcs(template.FuncMap{
			"entity": func(string) any { return nil },
		}).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", key, err)
		}
		c.templates[key] = tmpl
	}
	return c, nil
}

// MustCatalog is NewCatalog for static templates.
func MustCatalog(texts map[string]string) *Catalog {
	c, err := NewCatalog(texts)
	if err != nil {
		panic(err)
	}
	return c
}

// Has reports whether the catalog knows key.
func (c *Catalog) Has(key string) bool {
	_, ok := c.templates[key]
	return ok
}

// Render produces the text for one response, with reply options numbered below it.
// Unknown keys render as the key itself.
func (c *Catalog) Render(resp models.OutboundResponse) (string, error) {
	var buf bytes.Buffer
	if tmpl, ok := c.templates[resp.ResponseKey]; ok {
		clone, err := tmpl.Clone()
		if err != nil {
			return "", err
		}
		clone.Funcs(template.FuncMap{
			"entity": func(name string) any {
				if v, ok := resp.Entities[name]; ok && v != nil {
					return v
				}
				return ""
			},
		})
		if err := clone.Execute(&buf, resp.Entities); err != nil {
			return "", fmt.Errorf("failed to render %s: %w", resp.ResponseKey, err)
		}
	} else {
		buf.WriteString(resp.ResponseKey)
	}

	text := strings.TrimSpace(buf.String())
	if len(resp.ReplyOptions) == 0 {
		return text, nil
	}
	var sb strings.Builder
	sb.WriteString(text)
	for i, opt := range resp.ReplyOptions {
		sb.WriteString("\n")
		sb.WriteString(strconv.Itoa(i + 1))
		sb.WriteString(". ")
		sb.WriteString(opt.Label)
	}
	return sb.String(), nil
}
