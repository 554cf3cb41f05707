package cdp

import "encoding/json"

// evalEnvelope is the uniform result shape for in-page scripts.
type evalEnvelope struct {
	OK           bool            `json:"ok"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// JSString marshals a Go string into a JS string literal.
func JSString(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// WrapJSEval wraps a script body in an IIFE that returns the standard
// envelope, so exceptions surface as data instead of CDP protocol errors.
func WrapJSEval(body string) string {
	return `(function(){
try {
` + body + `
} catch (err) {
return JSON.stringify({ok:false,error_message:String(err && err.message || err)});
}
})()`
}
