/*
Copyright © 2025 Denis Khalturin
All rights reserved.

Redistribution and use in source and binary forms, with or without
modification, are permitted provided that the following conditions are met:

1. Redistributions of source code must retain the above copyright notice,
   this list of conditions and the following disclaimer.

2. Redistributions in binary form must reproduce the above copyright notice,
   this list of conditions and the following disclaimer in the documentation
   and/or other materials provided with the distribution.

3. Neither the name of the copyright holder nor the names of its contributors
   may be used to endorse or promote products derived from this software
   without specific prior written permission.

THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE
ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE
LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR
CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF
SUBSTITUTE GOODS OR SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN
CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE)
ARISING IN ANY WAY OUT OF THE USE OF THIS SOFTWARE, EVEN IF ADVISED OF THE
POSSIBILITY OF SUCH DAMAGE.
*/
// prettier-ignore-end

// Package publisher posts signed descriptors to a directory service and
// classifies the reply as accept, reject, or error.
package publisher

import (
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mixminion/mixkeyd/internal/mixerrors"
)

// Outcome is the tagged tri-state publication result.
type Outcome string

const (
	Accept Outcome = "accept"
	Reject Outcome = "reject"
	Error  Outcome = "error"
)

var replyRE = regexp.MustCompile(`(?m)^Status: (0|1)\s*\nMessage: (.*)$`)

// Publisher posts descriptors to one directory URL. TLS certificate
// verification is intentionally disabled: payload integrity is guaranteed
// by the identity-key signature embedded in the descriptor, not by
// transport auth.
type Publisher struct {
	client *http.Client
	url    string
}

// New returns a Publisher posting to directoryURL.
func New(directoryURL string, timeout time.Duration) *Publisher {
	return &Publisher{
		url: directoryURL,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: insecureTLSConfig(),
			},
		},
	}
}

// Publish POSTs the descriptor text and classifies the directory's reply.
func (p *Publisher) Publish(descriptorText string) (Outcome, string, error) {
	corrID := uuid.New().String()

	form := url.Values{}
	form.Set("desc", descriptorText)

	req, err := http.NewRequest(http.MethodPost, p.url, strings.NewReader(form.Encode()))
	if err != nil {
		return Error, "", mixerrors.PublishErr("Publisher.Publish", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Correlation-ID", corrID)

	slog.Info("publishing descriptor", "url", p.url, "correlation_id", corrID)

	resp, err := p.client.Do(req)
	if err != nil {
		slog.Error("publish request failed", "correlation_id", corrID, "error", err)
		return Error, "", mixerrors.PublishErr("Publisher.Publish", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Error, "", mixerrors.PublishErr("Publisher.Publish",
			fmt.Errorf("directory returned HTTP %d", resp.StatusCode))
	}

	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "text/plain") {
		return Error, "", mixerrors.PublishErr("Publisher.Publish",
			fmt.Errorf("unexpected content-type %q", ct))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Error, "", mixerrors.PublishErr("Publisher.Publish", err)
	}

	m := replyRE.FindStringSubmatch(string(body))
	if m == nil {
		return Error, "", mixerrors.PublishErr("Publisher.Publish",
			fmt.Errorf("unparseable reply: %q", body))
	}

	status, msg := m[1], m[2]
	slog.Info("publish reply", "correlation_id", corrID, "status", status, "message", msg)

	if status == "1" {
		return Accept, msg, nil
	}

	return Reject, msg, mixerrors.Reject("Publisher.Publish", msg)
}

// insecureTLSConfig skips certificate verification for the directory
// endpoint. Directories have historically presented self-signed
// certificates; the descriptor's own identity-key signature is what
// protects the payload.
func insecureTLSConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true}
}
