package api

import (
	"fmt"
	"html"
	"net/http"

	"github.com/leandrotocalini/wagate/internal/pairing"
)

const pageStyle = `
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { font-family: -apple-system, BlinkMacSystemFont, "SF Mono", monospace; background: #0d1117; color: #c9d1d9; padding: 20px; }
  h1 { font-size: 1.3em; margin-bottom: 16px; color: #58a6ff; }
  .status { display: flex; gap: 24px; margin-bottom: 20px; flex-wrap: wrap; }
  .badge { background: #161b22; border: 1px solid #30363d; border-radius: 8px; padding: 12px 16px; }
  .badge .label { font-size: 0.75em; color: #8b949e; text-transform: uppercase; margin-bottom: 4px; }
  .badge .value { font-size: 1.1em; }
  .connected { color: #3fb950; }
  .disconnected { color: #f85149; }
  .waiting { color: #d29922; }
  a { color: #58a6ff; }
  ul { margin-left: 20px; line-height: 1.8; }
  .card { background: #161b22; border: 1px solid #30363d; border-radius: 8px; padding: 24px; max-width: 480px; text-align: center; }
  .card img { background: #fff; padding: 12px; border-radius: 8px; width: 320px; height: 320px; }
  .card p { margin-top: 12px; }
  .hint { font-size: 0.8em; color: #8b949e; }
  .spinner { margin: 24px auto; width: 40px; height: 40px; border: 4px solid #30363d; border-top-color: #58a6ff; border-radius: 50%; animation: spin 1s linear infinite; }
  @keyframes spin { to { transform: rotate(360deg); } }
`

// eventsScript reloads the page as soon as the connection state changes.
// The meta refresh covers browsers where the websocket can't connect.
const eventsScript = `<script>
try {
  const proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
  const ws = new WebSocket(proto + location.host + '/api/events');
  ws.onmessage = (e) => {
    const ev = JSON.parse(e.data);
    if (ev.type === 'transition') location.reload();
  };
} catch {}
</script>`

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	ready := s.sup.IsReady()
	class, label := "waiting", "⏳ "+stateLabel(s.sup.State())
	if ready {
		class, label = "connected", "✅ Connected"
	}

	env := s.cfg.Env
	if env == "" {
		env = "development"
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
<title>wagate</title>
<meta name="viewport" content="width=device-width, initial-scale=1">
<style>%s</style>
</head>
<body>
<h1>📱 wagate</h1>
<div class="status">
  <div class="badge"><div class="label">WhatsApp</div><div class="value %s">%s</div></div>
  <div class="badge"><div class="label">Port</div><div class="value">%d</div></div>
  <div class="badge"><div class="label">Environment</div><div class="value">%s</div></div>
</div>
<h3>Endpoints</h3>
<ul>
  <li><a href="/pairing">📱 Pairing QR code</a></li>
  <li><a href="/api/status">📊 Status (JSON)</a></li>
  <li><a href="/health">🏥 Health check</a></li>
  <li><a href="/metrics">📈 Metrics</a></li>
</ul>
<p class="hint" style="margin-top: 20px">Running since %s</p>
</body>
</html>`, pageStyle, class, html.EscapeString(label), s.cfg.Port, html.EscapeString(env),
		s.started.Format("2006-01-02 15:04:05"))
}

func (s *Server) handlePairingPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if s.sup.IsReady() {
		fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>wagate · pairing</title><style>%s</style></head>
<body>
<h1>📱 WhatsApp pairing</h1>
<div class="card">
  <h2 class="connected">✅ Connected</h2>
  <p>The session is authenticated and ready to send messages.</p>
  <p><a href="/">Back to status</a></p>
</div>
%s
</body>
</html>`, pageStyle, eventsScript)
		return
	}

	if art, ok := s.sup.PairingArtifact(); ok {
		fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>wagate · pairing</title><meta http-equiv="refresh" content="20"><style>%s</style></head>
<body>
<h1>📱 WhatsApp pairing</h1>
<div class="card">
  <img src="%s" alt="Pairing QR code">
  <p>Open WhatsApp on your phone, go to <strong>Settings &gt; Linked Devices &gt; Link a Device</strong> and scan this code.</p>
  <p class="hint">The code rotates every %d seconds; this page refreshes on its own.</p>
</div>
%s
</body>
</html>`, pageStyle, pairing.DataURL(art), int(pairing.DefaultTTL.Seconds()), eventsScript)
		return
	}

	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>wagate · pairing</title><meta http-equiv="refresh" content="5"><style>%s</style></head>
<body>
<h1>📱 WhatsApp pairing</h1>
<div class="card">
  <div class="spinner"></div>
  <p class="waiting">%s</p>
  <p>Please wait while the QR code is generated. This usually takes 10-30 seconds.</p>
  <p class="hint">This page refreshes every 5 seconds.</p>
</div>
%s
</body>
</html>`, pageStyle, html.EscapeString(stateLabel(s.sup.State())), eventsScript)
}
