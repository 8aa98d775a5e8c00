package oauth

import (
	"bytes"
	"html/template"
	"net/http"

	"github.com/sentaku/authserver/security"
)

// loginView is rendered into loginFormTemplate. The authorization request
// round-trips through hidden fields; nothing is stored server side.
type loginView struct {
	Action  string
	Request AuthorizationRequest
	Login   string
	Error   string
}

// loginFormTemplate has no scripts; the CSP allows inline styles only.
const loginFormTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Sign in</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 22rem; margin: 4rem auto; padding: 0 1rem; }
label { display: block; margin-top: 1rem; }
input[type=text], input[type=password] { width: 100%; padding: .5rem; box-sizing: border-box; }
button { margin-top: 1.5rem; padding: .5rem 1.5rem; }
.error { color: #b00020; }
</style>
</head>
<body>
<h1>Sign in</h1>
{{if .Error}}<p class="error" role="alert">{{.Error}}</p>{{end}}
<form method="post" action="{{.Action}}">
<input type="hidden" name="client_id" value="{{.Request.ClientID}}">
<input type="hidden" name="redirect_uri" value="{{.Request.RedirectURI}}">
<input type="hidden" name="state" value="{{.Request.State}}">
<input type="hidden" name="code_challenge" value="{{.Request.CodeChallenge}}">
<input type="hidden" name="code_challenge_method" value="{{.Request.CodeChallengeMethod}}">
<label for="login">Username or email</label>
<input type="text" id="login" name="login" value="{{.Login}}" autocomplete="username" required autofocus>
<label for="password">Password</label>
<input type="password" id="password" name="password" autocomplete="current-password" required>
<button type="submit">Sign in</button>
</form>
</body>
</html>
`

var loginFormTmpl = template.Must(template.New("login").Parse(loginFormTemplate))

// renderForm writes the login form with status.
func (h *Handler) renderForm(w http.ResponseWriter, r *http.Request, status int, view loginView) {
	view.Action = SignInPath

	var buf bytes.Buffer
	if err := loginFormTmpl.Execute(&buf, view); err != nil {
		h.logger.Error("Failed to render login form", "error", err)
		h.writeError(w, r, ErrServerError("unable to render sign-in form"))
		return
	}

	security.SetFormSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
