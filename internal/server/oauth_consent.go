package server

import (
	"html/template"
	"net/http"
	"net/url"

	"github.com/bobmcallan/mcpnotes/internal/models"
)

// consentData holds the template data for the login and consent page.
type consentData struct {
	ClientName string
	ClientID   string
	Scopes     []string
	Username   string
	Error      string
	Request    authorizeRequest
}

func newConsentData(client *models.OAuthClient, req authorizeRequest, scopes []string) consentData {
	name := client.ClientName
	if name == "" {
		name = client.ClientID
	}
	return consentData{
		ClientName: name,
		ClientID:   client.ClientID,
		Scopes:     scopes,
		Request:    req,
	}
}

var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Authorize {{.ClientName}} | mcpnotes</title>
<style>
*{box-sizing:border-box;margin:0;padding:0}
body{font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Roboto,sans-serif;background:#0f1117;color:#e1e4e8;min-height:100vh;display:flex;align-items:center;justify-content:center}
.card{background:#161b22;border:1px solid #30363d;border-radius:12px;padding:2rem;width:100%;max-width:400px}
h1{font-size:1.25rem;margin-bottom:.5rem;color:#f0f6fc}
p.desc{color:#8b949e;margin-bottom:1.5rem;font-size:.9rem}
label{display:block;font-size:.85rem;color:#8b949e;margin-bottom:.25rem}
input[type=text],input[type=password]{width:100%;padding:.6rem .75rem;background:#0d1117;border:1px solid #30363d;border-radius:6px;color:#e1e4e8;font-size:.9rem;margin-bottom:1rem}
input:focus{outline:none;border-color:#58a6ff}
.actions{display:flex;gap:.75rem;margin-top:.5rem}
button{flex:1;padding:.6rem;border-radius:6px;font-size:.9rem;cursor:pointer;font-weight:500}
button.allow{background:#238636;color:#fff;border:none}
button.allow:hover{background:#2ea043}
button.deny{background:transparent;border:1px solid #30363d;color:#8b949e}
button.deny:hover{border-color:#8b949e}
.error{background:#3d1f1f;border:1px solid #6e3630;color:#f85149;padding:.5rem .75rem;border-radius:6px;margin-bottom:1rem;font-size:.85rem}
ul.scopes{background:#0d1117;border:1px solid #30363d;border-radius:6px;padding:.5rem .75rem .5rem 1.75rem;margin-bottom:1rem;font-size:.85rem;color:#8b949e}
</style>
</head>
<body>
<div class="card">
<h1>Authorize {{.ClientName}}</h1>
<p class="desc">{{.ClientName}} wants to access your notes with these permissions:</p>
<ul class="scopes">{{range .Scopes}}<li>{{.}}</li>{{end}}</ul>
{{if .Error}}<div class="error">{{.Error}}</div>{{end}}
<form method="POST" action="/authorize">
<label for="username">Username</label>
<input type="text" id="username" name="username" value="{{.Username}}" required autocomplete="username">
<label for="password">Password</label>
<input type="password" id="password" name="password" required autocomplete="current-password">
<input type="hidden" name="response_type" value="{{.Request.ResponseType}}">
<input type="hidden" name="client_id" value="{{.Request.ClientID}}">
<input type="hidden" name="redirect_uri" value="{{.Request.RedirectURI}}">
<input type="hidden" name="scope" value="{{.Request.Scope}}">
<input type="hidden" name="state" value="{{.Request.State}}">
<input type="hidden" name="code_challenge" value="{{.Request.CodeChallenge}}">
<input type="hidden" name="code_challenge_method" value="{{.Request.CodeChallengeMethod}}">
<input type="hidden" name="resource" value="{{.Request.Resource}}">
<div class="actions">
<button type="submit" class="allow" name="decision" value="allow">Allow</button>
<button type="submit" class="deny" name="decision" value="deny" formnovalidate>Deny</button>
</div>
</form>
</div>
</body>
</html>`))

// buildDenyURL constructs a properly URL-encoded deny redirect URL.
func buildDenyURL(redirectURI, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	q.Set("error", "access_denied")
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// renderConsentPage renders the login and consent page with the given status.
func (s *Server) renderConsentPage(w http.ResponseWriter, status int, data consentData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := consentTemplate.Execute(w, data); err != nil {
		s.logger.Error().Err(err).Msg("Consent template error")
	}
}
