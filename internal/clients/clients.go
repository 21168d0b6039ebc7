// Package clients holds the interfaces to external collaborators. The
// academics service owns courses and departments; this core only asks it
// which role approves leave for a given course.
package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Directory resolves course ownership questions.
type Directory interface {
	// ApproverRole returns the role that approves leave requests for the
	// course, e.g. "faculty:cse".
	ApproverRole(ctx context.Context, courseRef string) (string, error)
}

// HTTPDirectory queries the academics service over its JSON API.
type HTTPDirectory struct {
	baseURL string
	client  *http.Client
}

// NewHTTPDirectory builds a directory client for baseURL.
func NewHTTPDirectory(baseURL string, timeout time.Duration) *HTTPDirectory {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPDirectory{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type courseResponse struct {
	Department   string `json:"department"`
	ApproverRole string `json:"approverRole"`
}

func (d *HTTPDirectory) ApproverRole(ctx context.Context, courseRef string) (string, error) {
	endpoint := d.baseURL + "/courses/" + url.PathEscape(courseRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("course lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", errors.New("course_not_found")
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("course lookup: unexpected status %d", resp.StatusCode)
	}
	var course courseResponse
	if err := json.NewDecoder(resp.Body).Decode(&course); err != nil {
		return "", fmt.Errorf("course lookup: %w", err)
	}
	if course.ApproverRole != "" {
		return course.ApproverRole, nil
	}
	if course.Department != "" {
		return "faculty:" + strings.ToLower(course.Department), nil
	}
	return "", errors.New("course_has_no_department")
}

// StaticDirectory maps course refs to approver roles in memory, with a
// fallback role for unknown courses. Used in tests and single-tenant
// deployments without an academics service.
type StaticDirectory struct {
	Roles    map[string]string
	Fallback string
}

func (d StaticDirectory) ApproverRole(_ context.Context, courseRef string) (string, error) {
	if role, ok := d.Roles[courseRef]; ok {
		return role, nil
	}
	if d.Fallback != "" {
		return d.Fallback, nil
	}
	return "", errors.New("course_not_found")
}
