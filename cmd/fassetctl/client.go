package main

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fassets/internal/hmacauth"
	"fassets/internal/idempotency"
	"fassets/internal/server"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type client struct {
	base   string
	secret string
	caller string
	key    *ecdsa.PrivateKey
	http   *http.Client
	now    func() time.Time
}

func newClient(cmd *cobra.Command) (*client, error) {
	flags := cmd.Flags()
	base, err := flags.GetString(urlFlag)
	if err != nil {
		return nil, err
	}
	secret, _ := flags.GetString(secretFlag)
	caller, _ := flags.GetString(callerFlag)
	keyHex, _ := flags.GetString(keyFlag)
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid --%s: %w", urlFlag, err)
	}
	var key *ecdsa.PrivateKey
	if keyHex != "" {
		if key, err = crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x")); err != nil {
			return nil, fmt.Errorf("invalid --%s: %w", keyFlag, err)
		}
		addr := crypto.PubkeyToAddress(key.PublicKey)
		if caller == "" {
			caller = addr.Hex()
		} else if !common.IsHexAddress(caller) || common.HexToAddress(caller) != addr {
			return nil, fmt.Errorf("--%s %s does not belong to --%s", callerFlag, caller, keyFlag)
		}
	}
	return &client{
		base:   strings.TrimRight(base, "/"),
		secret: secret,
		caller: caller,
		key:    key,
		http:   &http.Client{Timeout: 15 * time.Second},
		now:    time.Now,
	}, nil
}

// apiError is the error body the service returns.
type apiError struct {
	Status    int
	Message   string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId"`
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	if e.RequestID != "" {
		msg += " (request " + e.RequestID + ")"
	}
	return msg
}

func (c *client) get(path string, query url.Values) (json.RawMessage, error) {
	u := c.base + "/api/v1" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// post sends a signed call under a fresh idempotency key.
func (c *client) post(path string, body any) (json.RawMessage, error) {
	if body == nil {
		body = struct{}{}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, c.base+"/api/v1"+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(idempotency.HeaderKey, uuid.NewString())
	if c.caller != "" {
		req.Header.Set(server.HeaderCaller, c.caller)
	}
	now := c.now()
	if c.secret != "" {
		if err := hmacauth.SignRequest(req, c.secret, now, server.HeaderCaller); err != nil {
			return nil, err
		}
	}
	if c.key != nil {
		if err := hmacauth.SignCaller(req, c.key, now, server.HeaderCaller); err != nil {
			return nil, err
		}
	}
	return c.do(req)
}

func (c *client) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return nil, apiErr
	}
	return body, nil
}

// printJSON writes raw indented to the command's output.
func printJSON(cmd *cobra.Command, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = cmd.OutOrStdout().Write(raw)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(cmd.OutOrStdout())
	return err
}
