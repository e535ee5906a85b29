package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrBodyNotReplayable is returned by Resend for a request whose body was
// already consumed and cannot be recreated.
var ErrBodyNotReplayable = errors.New("request body cannot be replayed")

// Authenticator is consulted when a response is 401.
//
// chain holds every response received so far for the logical request, the
// current one last. Returning a nil request gives up and lets the 401 reach
// the caller; an error aborts the round trip.
type Authenticator interface {
	Authenticate(ctx context.Context, resp *http.Response, chain []*http.Response) (*http.Request, error)
}

// Reauth resends a request when its Authenticator supplies a replacement for
// a 401 response.
type Reauth struct {
	Authenticator Authenticator
	Next          http.RoundTripper
}

func (t *Reauth) RoundTrip(req *http.Request) (*http.Response, error) {
	var chain []*http.Response
	cur := req
	for {
		resp, err := next(t.Next).RoundTrip(cur)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusUnauthorized || t.Authenticator == nil {
			return resp, nil
		}
		if resp.Request == nil {
			resp.Request = cur
		}
		chain = append(chain, resp)

		retryReq, err := t.Authenticator.Authenticate(req.Context(), resp, chain)
		if err != nil {
			resp.Body.Close()
			return nil, err
		}
		if retryReq == nil {
			return resp, nil
		}

		// free the connection before resending
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10)) //nolint:errcheck
		resp.Body.Close()
		cur = retryReq
	}
}

// Resend builds a copy of req carrying access as its bearer token. The body
// is recreated through GetBody.
func Resend(req *http.Request, access string) (*http.Request, error) {
	if req == nil {
		return nil, errors.New("no request to resend")
	}
	out := withBearer(req, access)
	if req.Body == nil || req.Body == http.NoBody {
		return out, nil
	}
	if req.GetBody == nil {
		return nil, ErrBodyNotReplayable
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("replay request body: %w", err)
	}
	out.Body = body
	return out, nil
}
