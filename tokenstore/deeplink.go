package tokenstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// DeepLinks keeps the one deep link a user opened while signed out, so
// navigation can resume there after login. It shares the token KV namespace
// but never touches token keys.
type DeepLinks struct {
	kv KV
	mu sync.Mutex
}

// NewDeepLinks stores pending links in kv.
func NewDeepLinks(kv KV) *DeepLinks {
	return &DeepLinks{kv: kv}
}

// Save remembers link, replacing any earlier one. A blank link is ignored.
func (d *DeepLinks) Save(ctx context.Context, link string) error {
	link = strings.TrimSpace(link)
	if link == "" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.kv.Apply(ctx, map[string]string{KeyPendingDeepLink: link}, nil); err != nil {
		return fmt.Errorf("save deep link: %w", err)
	}
	return nil
}

// Take returns the pending link and forgets it. "" means none.
func (d *DeepLinks) Take(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	values, err := d.kv.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("load deep link: %w", err)
	}
	link := values[KeyPendingDeepLink]
	if link == "" {
		return "", nil
	}
	if err := d.kv.Apply(ctx, nil, []string{KeyPendingDeepLink}); err != nil {
		return "", fmt.Errorf("clear deep link: %w", err)
	}
	return link, nil
}
