package guard

import "strings"

// Challenge is the Bearer WWW-Authenticate challenge (RFC 6750, RFC 9728).
type Challenge struct {
	ResourceMetadata string
	Scope            string
	Error            string
	ErrorDescription string
}

// String renders the header value. Empty parameters are omitted.
func (c Challenge) String() string {
	var params []string
	add := func(name, value string) {
		if value != "" {
			params = append(params, name+`="`+quoteEscape(value)+`"`)
		}
	}
	add("resource_metadata", c.ResourceMetadata)
	add("scope", c.Scope)
	add("error", c.Error)
	add("error_description", c.ErrorDescription)

	if len(params) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(params, ", ")
}

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func quoteEscape(s string) string {
	return quoteEscaper.Replace(s)
}
