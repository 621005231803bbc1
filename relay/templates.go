package relay

import "html/template"

var indexTmpl = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Room Chat · {{.Name}}</title>
  <style>
    body { margin:0; padding:24px; background:#0d1117; color:#e5e7eb; font-family: ui-sans-serif, system-ui, -apple-system, Segoe UI, Roboto, Helvetica, Arial }
    .wrap { max-width: 720px; margin: 0 auto }
    a { color:#60a5fa }
    li { margin: 4px 0 }
    small { color:#9ca3af }
  </style>
</head>
<body>
  <div class="wrap">
    <h1>{{.Name}}</h1>
    {{if .Rooms}}
    <ul>
      {{range .Rooms}}<li><a href="/rooms/{{.}}/">{{.}}</a></li>{{end}}
    </ul>
    {{else}}
    <p>No rooms yet.</p>
    {{end}}
    <form method="get" action="/">
      <input name="room" placeholder="room name" maxlength="32" />
      <button type="submit">Open</button>
    </form>
    <small>Connect a terminal with <code>chat-term --backend relay --relay-url &lt;this address&gt;</code>.</small>
  </div>
</body>
</html>
`))

var transcriptTmpl = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>{{.Room}} · {{.Name}}</title>
  <style>
    body { margin:0; padding:24px; background:#0d1117; color:#e5e7eb; font-family: ui-sans-serif, system-ui, -apple-system, Segoe UI, Roboto, Helvetica, Arial }
    .wrap { max-width: 720px; margin: 0 auto }
    .message { margin: 8px 0; display:flex }
    .message.own { justify-content:flex-end }
    .message-bubble { background:#111827; border:1px solid #1f2937; border-radius:10px; padding:8px 12px; max-width:80% }
    .message-author { font-weight:600; font-size:13px }
    .message-text { white-space: pre-wrap; word-break: break-word }
    .message-time { color:#9ca3af; font-size:11px; text-align:right }
    .system-message { text-align:center; color:#9ca3af; font-size:13px; margin: 8px 0 }
  </style>
</head>
<body>
  <div class="wrap">
    <h1>#{{.Room}}</h1>
    {{.Body}}
  </div>
</body>
</html>
`))
