// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

func apiBaseURL() string {
	if u := os.Getenv("USERSYNC_API_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

// client syncd HTTP API 客户端
type client struct {
	rc *resty.Client
}

func newClient(baseURL string) *client {
	return &client{rc: resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() == http.StatusServiceUnavailable
		}).
		SetHeader("Content-Type", "application/json")}
}

// apiError 服务端返回的错误
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

func checkResponse(resp *resty.Response, op string) error {
	if resp.StatusCode() == http.StatusOK {
		return nil
	}
	var body struct {
		Error string `json:"error"`
	}
	msg := resp.String()
	if json.Unmarshal(resp.Body(), &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return fmt.Errorf("%s: %w", op, &apiError{Status: resp.StatusCode(), Message: msg})
}

func userPath(userID string) string {
	return "/api/users/" + url.PathEscape(userID)
}

func (c *client) health() (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := c.rc.R().SetResult(&out).Get("/api/health")
	if err != nil {
		return nil, err
	}
	if err := checkResponse(resp, "GET /api/health"); err != nil {
		return nil, err
	}
	return out, nil
}

// latest 返回 nil 表示该用户无数据
func (c *client) latest(userID string) (map[string]interface{}, error) {
	var out struct {
		Snapshot map[string]interface{} `json:"snapshot"`
	}
	resp, err := c.rc.R().SetResult(&out).Get(userPath(userID) + "/snapshot")
	if err != nil {
		return nil, err
	}
	if err := checkResponse(resp, "GET snapshot"); err != nil {
		return nil, err
	}
	return out.Snapshot, nil
}

func (c *client) history(userID string, limit int) ([]map[string]interface{}, error) {
	var out struct {
		Snapshots []map[string]interface{} `json:"snapshots"`
	}
	req := c.rc.R().SetResult(&out)
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	resp, err := req.Get(userPath(userID) + "/snapshots")
	if err != nil {
		return nil, err
	}
	if err := checkResponse(resp, "GET snapshots"); err != nil {
		return nil, err
	}
	return out.Snapshots, nil
}

func (c *client) show(userID, snapshotID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := c.rc.R().SetResult(&out).Get(userPath(userID) + "/snapshots/" + url.PathEscape(snapshotID))
	if err != nil {
		return nil, err
	}
	if err := checkResponse(resp, "GET snapshot "+snapshotID); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) restore(userID, snapshotID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := c.rc.R().SetResult(&out).Post(userPath(userID) + "/snapshots/" + url.PathEscape(snapshotID) + "/restore")
	if err != nil {
		return nil, err
	}
	if err := checkResponse(resp, "POST restore"); err != nil {
		return nil, err
	}
	return out, nil
}

func prettyJSON(v interface{}) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
