package template_test

import (
	"testing"

	"github.com/postlane/postlane/pkg/models"
	"github.com/postlane/postlane/pkg/template"
	"github.com/stretchr/testify/assert"
)

func TestRenderSubstitutesContactFields(t *testing.T) {
	renderCtx := template.Context{
		Contact: &models.Contact{
			Email:     "ada@example.com",
			FirstName: "Ada",
			LastName:  "Lovelace",
		},
	}

	assert.Equal(t, "Hello Ada!", template.Render("Hello {{first_name}}!", renderCtx))
	assert.Equal(t, "Hello Ada Lovelace", template.Render("Hello {{name}}", renderCtx))
	assert.Equal(t, "Hello Ada", template.Render("Hello {{ contact.first_name }}", renderCtx))
}

func TestRenderFallsBackForMissingNames(t *testing.T) {
	renderCtx := template.Context{Contact: &models.Contact{Email: "x@example.com"}}

	assert.Equal(t, "Hello Friend!", template.Render("Hello {{first_name}}!", renderCtx))
	assert.Equal(t, "Hello Friend!", template.Render("Hello {{name}}!", renderCtx))
	assert.Equal(t, "Bye ", template.Render("Bye {{last_name}}", renderCtx))
}

func TestResolvePrefersContactOverPayload(t *testing.T) {
	renderCtx := template.Context{
		Contact: &models.Contact{FirstName: "Ada"},
		Payload: map[string]any{"first_name": "Grace", "plan": "pro"},
	}

	assert.Equal(t, "Ada", template.Resolve("first_name", renderCtx))
	assert.Equal(t, "pro", template.Resolve("plan", renderCtx))
}

func TestResolveUnknownTokenIsEmpty(t *testing.T) {
	assert.Equal(t, "", template.Resolve("nonexistent", template.Context{}))
	assert.Equal(t, "before  after", template.Render("before {{nonexistent}} after", template.Context{}))
}

func TestResolveCustomFields(t *testing.T) {
	renderCtx := template.Context{
		Contact: &models.Contact{
			CustomFields: map[string]any{"company": "Analytical Engines", "seats": 12},
		},
	}

	assert.Equal(t, "Analytical Engines", template.Resolve("company", renderCtx))
	assert.Equal(t, "12", template.Resolve("seats", renderCtx))
}

func TestVariablesIncludesStandardSetAndCustomFields(t *testing.T) {
	variables := template.Variables(template.Context{
		Contact: &models.Contact{
			Email:        "ada@example.com",
			FirstName:    "Ada",
			CustomFields: map[string]any{"company": "Analytical Engines"},
		},
	})

	assert.Equal(t, "ada@example.com", variables["email"])
	assert.Equal(t, "Ada", variables["first_name"])
	assert.Equal(t, "", variables["last_name"])
	assert.Equal(t, "Ada", variables["name"])
	assert.Equal(t, "Analytical Engines", variables["company"])
}
