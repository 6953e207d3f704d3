package authbroker

import (
	"html/template"
	"net/http"
)

var successPage = template.Must(template.New("success").Parse(`<!DOCTYPE html>
<html>
<head>
	<title>Authorization Complete</title>
	<style>
		body {
			font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
			display: flex;
			justify-content: center;
			align-items: center;
			min-height: 100vh;
			margin: 0;
			background-color: #f5f5f5;
			padding: 1rem;
		}
		.container {
			text-align: center;
			padding: 2rem;
			background-color: white;
			border-radius: 8px;
			box-shadow: 0 2px 10px rgba(0,0,0,0.1);
			max-width: 500px;
			width: 100%;
		}
		.success { color: #22c55e; font-size: 3rem; margin-bottom: 1rem; }
		h1 { margin: 0 0 1rem 0; color: #1a1a1a; font-size: 1.5rem; font-weight: 600; }
		p { color: #666; margin: 0.5rem 0; line-height: 1.5; }
		.code-box {
			background-color: #f3f4f6;
			border: 1px solid #e5e7eb;
			border-radius: 4px;
			padding: 1rem;
			margin: 1.5rem 0;
			font-family: monospace;
			font-size: 0.875rem;
			word-break: break-all;
			user-select: all;
		}
		.instructions {
			text-align: left;
			margin: 1.5rem 0;
			padding: 1rem;
			background-color: #f9fafb;
			border-radius: 4px;
		}
		.instructions li { margin: 0.5rem 0; color: #374151; }
	</style>
</head>
<body>
	<div class="container">
		<div class="success">&#10003;</div>
		<h1>Authorization Complete</h1>
		<p>You have successfully authenticated.</p>
		<p>Your authorization code is:</p>
		<div class="code-box">{{.Code}}</div>
		<div class="instructions">
			<p><strong>Next steps:</strong></p>
			<ol>
				<li>Copy the authorization code above</li>
				<li>Return to your MCP client</li>
				<li>Complete the connection process</li>
			</ol>
		</div>
		<p style="margin-top: 2rem; font-size: 0.875rem; color: #999;">
			This code is short-lived and can only be used once.
		</p>
	</div>
</body>
</html>
`))

var failurePage = template.Must(template.New("failure").Parse(`<!DOCTYPE html>
<html>
<head><title>Authorization Failed</title></head>
<body>
	<h1>Authorization Failed</h1>
	<p>Error: {{.Error}}</p>
	<p>Description: {{.Description}}</p>
	<p>You can close this window and try again.</p>
</body>
</html>
`))

func (b *Broker) renderSuccessPage(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = successPage.Execute(w, struct{ Code string }{Code: code})
}

func (b *Broker) renderFailurePage(w http.ResponseWriter, status int, errCode, description string) {
	if description == "" {
		description = "Authorization failed"
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = failurePage.Execute(w, struct {
		Error       string
		Description string
	}{Error: errCode, Description: description})
}
