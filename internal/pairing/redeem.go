package pairing

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// HTTPRedeemer exchanges provisioning tokens at POST /api/agent/pair.
type HTTPRedeemer struct {
	Client *http.Client
}

func NewHTTPRedeemer() *HTTPRedeemer {
	return &HTTPRedeemer{Client: &http.Client{Timeout: 15 * time.Second}}
}

func (r *HTTPRedeemer) Redeem(ctx context.Context, serverURL, provisioningToken, deviceID string) (Grant, error) {
	body, _ := json.Marshal(map[string]string{"token": provisioningToken, "deviceId": deviceID})
	url := strings.TrimRight(serverURL, "/") + "/api/agent/pair"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Grant{}, errors.Wrap(err, "build pair request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return Grant{}, errors.Wrapf(err, "POST %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var failure struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&failure)
		return Grant{}, errors.Newf("POST %s: %d %s", url, resp.StatusCode, failure.Error)
	}

	var grant Grant
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return Grant{}, errors.Wrap(err, "decode pair response")
	}
	return grant, nil
}
