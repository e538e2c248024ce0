// Package fallback synthesizes responses for requests that neither the
// network nor the cache could answer. Every function is pure.
package fallback

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/52poke/nagi/internal/origin"
)

// RetryAfterSeconds is advertised on API errors.
const RetryAfterSeconds = 30

const offlinePage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Offline</title>
<style>
body{font-family:system-ui,sans-serif;margin:0;min-height:100vh;display:flex;align-items:center;justify-content:center;background:#faf7f2;color:#333}
main{max-width:28rem;padding:2rem;text-align:center}
.status{display:inline-flex;align-items:center;gap:.5rem;margin:1rem 0;font-size:.9rem}
.dot{width:.6rem;height:.6rem;border-radius:50%;background:#c0392b}
.online .dot{background:#27ae60}
button{border:0;border-radius:.4rem;padding:.6rem 1.2rem;background:#6c5ce7;color:#fff;font-size:1rem;cursor:pointer}
</style>
</head>
<body>
<main>
<h1>You are offline</h1>
<p>This page is not available without a connection. Articles you have already read are still available.</p>
<div class="status" id="status"><span class="dot"></span><span id="status-text">Offline</span></div>
<p><button type="button" id="retry">Try again</button></p>
</main>
<script>
(function(){
var status=document.getElementById('status');
var text=document.getElementById('status-text');
function update(){
if(navigator.onLine){status.className='status online';text.textContent='Back online, reloading';setTimeout(function(){location.reload()},1000)}
else{status.className='status';text.textContent='Offline'}
}
document.getElementById('retry').addEventListener('click',function(){location.reload()});
window.addEventListener('online',update);
window.addEventListener('offline',update);
update();
})();
</script>
</body>
</html>
`

const imagePlaceholder = `<svg xmlns="http://www.w3.org/2000/svg" width="400" height="300" viewBox="0 0 400 300">
<rect width="400" height="300" fill="#f0ede8"/>
<g fill="none" stroke="#b8b2a7" stroke-width="6" stroke-linejoin="round">
<rect x="130" y="95" width="140" height="110" rx="8"/>
<path d="M140 190l40-45 30 30 20-20 30 35"/>
</g>
<circle cx="235" cy="125" r="10" fill="#b8b2a7"/>
<text x="200" y="245" font-family="sans-serif" font-size="16" fill="#8a8479" text-anchor="middle">Image unavailable offline</text>
</svg>
`

type apiError struct {
	Error      bool   `json:"error"`
	Offline    bool   `json:"offline"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"`
}

// OfflinePage is served for navigational requests.
func OfflinePage() *origin.Response {
	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	return &origin.Response{Status: http.StatusOK, Header: h, Body: []byte(offlinePage)}
}

// ImagePlaceholder is served for images.
func ImagePlaceholder() *origin.Response {
	h := http.Header{}
	h.Set("Content-Type", "image/svg+xml")
	h.Set("Cache-Control", "no-cache")
	return &origin.Response{Status: http.StatusOK, Header: h, Body: []byte(imagePlaceholder)}
}

// APIError is served for API requests.
func APIError(message string) *origin.Response {
	if message == "" {
		message = "Network unavailable. Please check your connection."
	}
	body, _ := json.Marshal(apiError{
		Error:      true,
		Offline:    true,
		Message:    message,
		RetryAfter: RetryAfterSeconds,
	})
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-cache")
	h.Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
	return &origin.Response{Status: http.StatusServiceUnavailable, Header: h, Body: body}
}

// FontMissing lets fonts fail silently so the page falls back to system fonts.
func FontMissing() *origin.Response {
	return &origin.Response{Status: http.StatusNotFound, Header: http.Header{}}
}

// Offline is the generic answer for other assets.
func Offline() *origin.Response {
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	return &origin.Response{Status: http.StatusServiceUnavailable, Header: h, Body: []byte("Offline")}
}
