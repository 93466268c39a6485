// Package template resolves {{name}} and {{contact.name}} substitution
// tokens for email personalization.
package template

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/postlane/postlane/pkg/models"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// fallbacks supply values for tokens the contact record leaves empty.
var fallbacks = map[string]string{
	"name":       "Friend",
	"first_name": "Friend",
	"last_name":  "",
}

// Context carries the data a render resolves against: the contact record
// first, then the fallback table, then the trigger payload, then empty.
type Context struct {
	Contact *models.Contact
	Payload map[string]any
}

// Render substitutes every {{token}} in input. Unresolvable tokens render as
// the empty string; rendering never fails on unknown names.
func Render(input string, renderCtx Context) string {
	return tokenPattern.ReplaceAllStringFunc(input, func(match string) string {
		token := tokenPattern.FindStringSubmatch(match)[1]

		return Resolve(token, renderCtx)
	})
}

// Resolve looks up one token name. The "contact." prefix is accepted and
// stripped, so {{first_name}} and {{contact.first_name}} are equivalent.
func Resolve(token string, renderCtx Context) string {
	name := strings.TrimPrefix(token, "contact.")

	if value, ok := contactField(name, renderCtx.Contact); ok {
		return value
	}

	if fallback, ok := fallbacks[name]; ok {
		return fallback
	}

	if renderCtx.Payload != nil {
		if value, ok := renderCtx.Payload[name]; ok {
			return fmt.Sprintf("%v", value)
		}
	}

	return ""
}

// Variables renders the standard substitution set for one contact, handed to
// the email transport alongside the template reference.
func Variables(renderCtx Context) map[string]string {
	variables := map[string]string{
		"email":      Resolve("email", renderCtx),
		"first_name": Resolve("first_name", renderCtx),
		"last_name":  Resolve("last_name", renderCtx),
		"name":       Resolve("name", renderCtx),
	}

	if renderCtx.Contact != nil {
		for key := range renderCtx.Contact.CustomFields {
			variables[key] = Resolve(key, renderCtx)
		}
	}

	return variables
}

func contactField(name string, contact *models.Contact) (string, bool) {
	if contact == nil {
		return "", false
	}

	switch name {
	case "email":
		return contact.Email, contact.Email != ""
	case "first_name":
		return contact.FirstName, contact.FirstName != ""
	case "last_name":
		return contact.LastName, contact.LastName != ""
	case "name":
		full := strings.TrimSpace(contact.FirstName + " " + contact.LastName)

		return full, full != ""
	default:
		if value, ok := contact.CustomFields[name]; ok {
			return fmt.Sprintf("%v", value), true
		}

		return "", false
	}
}
