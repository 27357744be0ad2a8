package near

import (
	"context"
	"errors"
	"fmt"
)

type accessKeyList struct {
	Keys []struct {
		PublicKey string `json:"public_key"`
	} `json:"keys"`
}

// AccessKeys lists the public keys of accountID at final finality.
// An unknown account has no keys. Satisfies signature.KeyResolver.
func (c *Client) AccessKeys(ctx context.Context, accountID string) ([]string, error) {
	params := map[string]string{
		"request_type": "view_access_key_list",
		"finality":     "final",
		"account_id":   accountID,
	}
	var out accessKeyList
	if err := c.call(ctx, "query", params, &out); err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.Cause.Name == "UNKNOWN_ACCOUNT" {
			return nil, nil
		}
		if errors.As(err, &rpcErr) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, rpcErr)
		}
		return nil, err
	}

	keys := make([]string, 0, len(out.Keys))
	for _, k := range out.Keys {
		keys = append(keys, k.PublicKey)
	}
	return keys, nil
}
