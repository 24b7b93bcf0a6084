// Package templates renders the operator-customizable page templates.
//
// Templates are plain files with {{PLACEHOLDER}} markers. Each template has
// a built-in default so the appliance works without any template files
// installed; operators drop a file into one of the search paths to replace
// the look of a page.
package templates

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Template names
const (
	MaintenancePage = "maintenance-page"
)

// TemplateData holds variables for template rendering.
type TemplateData map[string]string

// GetTemplatePaths returns the search paths for templates
func GetTemplatePaths(templateName string) []string {
	filename := templateName + ".template"
	return []string{
		filepath.Join(".", "templates", filename),
		filepath.Join(".", "config", "templates", filename),
		filepath.Join("/etc", "applianceupdate", "templates", filename),
	}
}

// defaultMaintenancePage is served when no template file is installed.
const defaultMaintenancePage = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <meta http-equiv="refresh" content="30">
  <title>{{TITLE}}</title>
  <style>
    body { font-family: sans-serif; background: #f5f6f8; color: #2c3e50;
           display: flex; align-items: center; justify-content: center;
           height: 100vh; margin: 0; }
    .card { background: #fff; border-radius: 8px; padding: 2.5rem 3rem;
            box-shadow: 0 2px 12px rgba(0,0,0,.08); text-align: center;
            max-width: 28rem; }
    h1 { font-size: 1.4rem; margin: 0 0 .75rem; }
    p { margin: .5rem 0; color: #5d6d7e; }
    .eta { font-size: .85rem; color: #95a5a6; }
  </style>
</head>
<body>
  <div class="card">
    <h1>{{TITLE}}</h1>
    <p>{{MESSAGE}}</p>
    <p class="eta">{{ETA}}</p>
  </div>
</body>
</html>
`

var defaultTemplates = map[string]string{
	MaintenancePage: defaultMaintenancePage,
}

// GetTemplate returns the raw template content by name.
// Templates are loaded from the filesystem in the following order:
// 1. ./templates/<name>.template
// 2. ./config/templates/<name>.template
// 3. /etc/applianceupdate/templates/<name>.template
// Falling back to the built-in default when no file exists.
func GetTemplate(name string) (string, error) {
	if !ValidateTemplate(name) {
		return "", fmt.Errorf("unknown template: %s", name)
	}

	for _, path := range GetTemplatePaths(name) {
		if content, err := os.ReadFile(path); err == nil {
			return string(content), nil
		}
	}

	return defaultTemplates[name], nil
}

// Render renders a template with the given data.
// Uses {{PLACEHOLDER}} syntax for variable substitution.
//
// Example:
//
//	data := TemplateData{
//	    "TITLE":   "Maintenance",
//	    "MESSAGE": "Back shortly.",
//	}
//	rendered, err := Render(MaintenancePage, data)
func Render(templateName string, data TemplateData) (string, error) {
	tmplContent, err := GetTemplate(templateName)
	if err != nil {
		return "", err
	}

	rendered := tmplContent
	for key, value := range data {
		placeholder := fmt.Sprintf("{{%s}}", key)
		rendered = strings.ReplaceAll(rendered, placeholder, htmlEscape(value))
	}

	return rendered, nil
}

// htmlEscape neutralizes markup in operator-supplied values. Messages come
// from the maintenance config, but that file is also writable over SSH by
// less trusted tooling.
func htmlEscape(s string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
	)
	return replacer.Replace(s)
}

// RenderMaintenancePage renders the page shown to clients blocked by the
// maintenance gate.
func RenderMaintenancePage(title, message, eta string) (string, error) {
	if title == "" {
		title = "Maintenance in progress"
	}
	if message == "" {
		message = "The appliance is being updated. Please try again shortly."
	}
	return Render(MaintenancePage, TemplateData{
		"TITLE":   title,
		"MESSAGE": message,
		"ETA":     eta,
	})
}

// ListTemplates returns a list of all available template names.
func ListTemplates() []string {
	return []string{
		MaintenancePage,
	}
}

// ValidateTemplate checks if a template name is valid.
func ValidateTemplate(name string) bool {
	_, ok := defaultTemplates[name]
	return ok
}
