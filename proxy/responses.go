// Author: momentics <momentics@gmail.com>

package proxy

import (
	"html"
	"net/http"
	"strconv"

	"github.com/momentics/hioload-proxy/framing"
)

// ConnectEstablished is the reply to an accepted CONNECT.
const ConnectEstablished = "HTTP/1.0 200 Connection established\r\n\r\n"

// errorPage renders the body of a synthesized response.
func errorPage(status int, reason, message string) []byte {
	title := strconv.Itoa(status) + " " + html.EscapeString(reason)
	b := make([]byte, 0, 160+len(message))
	b = append(b, "<html><head><title>"...)
	b = append(b, title...)
	b = append(b, "</title></head><body><h1>"...)
	b = append(b, title...)
	b = append(b, "</h1><p>"...)
	b = append(b, html.EscapeString(message)...)
	b = append(b, "</p></body></html>\n"...)
	return b
}

// Synthesize renders a complete response generated by the proxy itself.
// bodyOnly omits the head for HTTP/0.9 clients.
func Synthesize(status int, reason, message string, keepAlive, bodyOnly bool) []byte {
	if reason == "" {
		reason = http.StatusText(status)
	}
	body := errorPage(status, reason, message)
	if bodyOnly {
		return body
	}
	head := framing.ResponseHead{
		Proto:  "HTTP/1.1",
		Major:  1,
		Minor:  1,
		Status: status,
		Reason: reason,
		Headers: framing.Headers{
			{Name: "Content-Type", Value: "text/html; charset=utf-8"},
			{Name: "Content-Length", Value: strconv.Itoa(len(body))},
			{Name: "Cache-Control", Value: "no-cache"},
		},
	}
	if !keepAlive {
		head.Headers.Add("Connection", "close")
	}
	return append(head.AppendTo(nil), body...)
}

func unknownHostMessage(host, uri string) string {
	return "Unknown host " + host + " while requesting " + uri
}

func unreachableMessage(uri string, err error) string {
	return "Failed to reach " + uri + ": " + err.Error()
}
