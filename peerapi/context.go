package peerapi

import "context"

type contextKey int

const signedBodyKey contextKey = iota

// withSignedBody stashes the already-read, signature-verified request body
// so handlers don't re-read a drained stream.
func withSignedBody(ctx context.Context, body []byte) context.Context {
	return context.WithValue(ctx, signedBodyKey, body)
}

func signedBody(ctx context.Context) []byte {
	body, _ := ctx.Value(signedBodyKey).([]byte)
	return body
}
