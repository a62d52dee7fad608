package oauth

import "html/template"

// loginPage collects the administrator credentials plus the Home Assistant
// connection to vault for this authorization. Host and token may be left
// blank to use the server's configured defaults.
var loginPage = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Sign in - Home Assistant Bridge</title>
<style>
body { font-family: -apple-system, system-ui, sans-serif; background: #f0f2f5; margin: 0;
       display: flex; align-items: center; justify-content: center; min-height: 100vh; }
.card { background: #fff; border-radius: 8px; box-shadow: 0 2px 8px rgba(0,0,0,.12);
        padding: 2rem; width: 100%; max-width: 24rem; }
h1 { font-size: 1.25rem; margin: 0 0 1rem; }
label { display: block; font-size: .85rem; font-weight: 600; margin: .75rem 0 .25rem; }
input { width: 100%; box-sizing: border-box; padding: .5rem; border: 1px solid #ccc;
        border-radius: 4px; font-size: .95rem; }
button { margin-top: 1.25rem; width: 100%; padding: .6rem; border: 0; border-radius: 4px;
         background: #03a9f4; color: #fff; font-size: 1rem; cursor: pointer; }
.error { background: #fdecea; color: #b71c1c; border-radius: 4px; padding: .6rem .8rem;
         font-size: .9rem; margin-bottom: .75rem; }
.hint { font-size: .75rem; color: #666; margin-top: .15rem; }
</style>
</head>
<body>
<div class="card">
<h1>Sign in to authorize {{if .ClientName}}{{.ClientName}}{{else}}this client{{end}}</h1>
{{if .Error}}<div class="error">{{.Error}}</div>{{end}}
<form method="POST" action="/oauth/login">
<input type="hidden" name="client_id" value="{{.ClientID}}">
<input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
<input type="hidden" name="state" value="{{.State}}">
<input type="hidden" name="scope" value="{{.Scope}}">
<input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
<input type="hidden" name="code_challenge_method" value="{{.CodeChallengeMethod}}">
<label for="username">Username</label>
<input id="username" name="username" autocomplete="username" required>
<label for="password">Password</label>
<input id="password" name="password" type="password" autocomplete="current-password" required>
<label for="ha_host">Home Assistant URL</label>
<input id="ha_host" name="ha_host" placeholder="http://homeassistant.local:8123">
<div class="hint">Leave blank to use the server default.</div>
<label for="ha_token">Long-lived access token</label>
<input id="ha_token" name="ha_token" type="password">
<div class="hint">Leave blank to use the server default.</div>
<button type="submit">Sign in</button>
</form>
</div>
</body>
</html>
`))

// consentPage asks the signed-in administrator to approve or deny the
// client's access request.
var consentPage = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Authorize - Home Assistant Bridge</title>
<style>
body { font-family: -apple-system, system-ui, sans-serif; background: #f0f2f5; margin: 0;
       display: flex; align-items: center; justify-content: center; min-height: 100vh; }
.card { background: #fff; border-radius: 8px; box-shadow: 0 2px 8px rgba(0,0,0,.12);
        padding: 2rem; width: 100%; max-width: 24rem; }
h1 { font-size: 1.25rem; margin: 0 0 .5rem; }
p { color: #444; font-size: .95rem; }
.scope { background: #f5f5f5; border-radius: 4px; padding: .4rem .6rem; font-family: monospace;
         font-size: .85rem; display: inline-block; }
.actions { display: flex; gap: .75rem; margin-top: 1.5rem; }
button { flex: 1; padding: .6rem; border: 0; border-radius: 4px; font-size: 1rem; cursor: pointer; }
.approve { background: #03a9f4; color: #fff; }
.deny { background: #e0e0e0; color: #333; }
</style>
</head>
<body>
<div class="card">
<h1>Authorize {{if .ClientName}}{{.ClientName}}{{else}}{{.ClientID}}{{end}}?</h1>
<p>The client is requesting access to your Home Assistant instance with scope:</p>
<span class="scope">{{.Scope}}</span>
<form method="POST" action="/oauth/approve">
<input type="hidden" name="client_id" value="{{.ClientID}}">
<input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
<input type="hidden" name="state" value="{{.State}}">
<input type="hidden" name="scope" value="{{.Scope}}">
<input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
<input type="hidden" name="code_challenge_method" value="{{.CodeChallengeMethod}}">
<div class="actions">
<button class="deny" type="submit" name="decision" value="deny">Deny</button>
<button class="approve" type="submit" name="decision" value="approve">Approve</button>
</div>
</form>
</div>
</body>
</html>
`))

// errorPage renders terminal authorization errors that must not redirect.
var errorPage = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Authorization error</title>
<style>
body { font-family: -apple-system, system-ui, sans-serif; background: #f0f2f5; margin: 0;
       display: flex; align-items: center; justify-content: center; min-height: 100vh; }
.card { background: #fff; border-radius: 8px; box-shadow: 0 2px 8px rgba(0,0,0,.12);
        padding: 2rem; max-width: 26rem; }
h1 { font-size: 1.1rem; color: #b71c1c; margin: 0 0 .5rem; }
p { color: #444; font-size: .95rem; margin: 0; }
</style>
</head>
<body>
<div class="card">
<h1>{{.Title}}</h1>
<p>{{.Detail}}</p>
</div>
</body>
</html>
`))

type authPageData struct {
	ClientID            string
	ClientName          string
	RedirectURI         string
	State               string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	Error               string
}

type errorPageData struct {
	Title  string
	Detail string
}
