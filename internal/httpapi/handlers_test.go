package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"kadra.org/internal/authz"
	"kadra.org/internal/directory"
	"kadra.org/internal/notify"
	"kadra.org/internal/record"
	"kadra.org/internal/share"
	"kadra.org/internal/store/memory"
	"kadra.org/internal/transfer"
)

const (
	testSecret = "test-secret"
	testIssuer = "kadra-test"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	st := memory.New()
	ctx := context.Background()

	for _, a := range []directory.Actor{
		{ID: "root", Superadmin: true},
		{ID: "owner"},
		{ID: "mem1"},
		{ID: "mem2"},
		{ID: "memB"},
	} {
		a := a
		if err := st.CreateActor(ctx, &a); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.CreateOrganization(ctx, &directory.Organization{ID: "org1"}); err != nil {
		t.Fatal(err)
	}
	for _, d := range []directory.Department{
		{ID: "sales", OrganizationID: "org1"},
		{ID: "support", OrganizationID: "org1"},
	} {
		d := d
		if err := st.CreateDepartment(ctx, &d); err != nil {
			t.Fatal(err)
		}
	}
	st.SetOrgRole(ctx, "org1", "owner", directory.OrgRoleOwner)
	st.SetOrgRole(ctx, "org1", "mem1", directory.OrgRoleMember)
	st.SetOrgRole(ctx, "org1", "mem2", directory.OrgRoleMember)
	st.SetOrgRole(ctx, "org1", "memB", directory.OrgRoleMember)
	st.SetDeptRole(ctx, "sales", "mem1", directory.DeptRoleMember)
	st.SetDeptRole(ctx, "sales", "mem2", directory.DeptRoleMember)
	st.SetDeptRole(ctx, "support", "memB", directory.DeptRoleMember)

	eval := authz.NewEvaluator(st, st.Shares())
	broker := notify.NewBroker()
	records := record.NewService(st.Records(), eval, broker, nil)
	shares := share.NewService(st.Shares(), st.Records(), st, eval, broker)
	transfers := transfer.NewCoordinator(st.Transfers(), st.Records(), st, eval, broker, nil)

	api := New(Options{
		Records:    records,
		Shares:     shares,
		Transfers:  transfers,
		Directory:  st,
		Broker:     broker,
		Authn:      NewAuthenticator([]byte(testSecret), testIssuer),
		Version:    "test",
		RateBurst:  1000,
		RatePerSec: 1000,
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{baseURL: srv.URL, client: srv.Client(), t: t}
}

func mintToken(t *testing.T, subject string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"iss": testIssuer,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (c *apiClient) do(method, path, actor string, body any) (*http.Response, map[string]any) {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != "" {
		req.Header.Set("Authorization", "Bearer "+mintToken(c.t, actor))
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.t.Fatalf("read body: %v", err)
	}
	var decoded map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp, decoded
}

func (c *apiClient) createRecord(actor string) string {
	c.t.Helper()
	resp, body := c.do(http.MethodPost, "/v1/records", actor, map[string]any{
		"organization_id": "org1",
		"department_id":   "sales",
		"kind":            "candidate",
		"title":           "Jane Doe",
		"fields":          map[string]any{"stage": "screening"},
	})
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("create record: expected 201, got %d (%v)", resp.StatusCode, body)
	}
	id, _ := body["id"].(string)
	if id == "" {
		c.t.Fatalf("create record: no id in %v", body)
	}
	return id
}

func TestAuthRequired(t *testing.T) {
	c := newTestAPI(t)

	resp, _ := c.do(http.MethodGet, "/v1/records?org=org1", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	resp, _ = c.do(http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected public /healthz, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, c.baseURL+"/v1/records?org=org1", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp2, err := c.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", resp2.StatusCode)
	}
}

func TestRecordLifecycleOverHTTP(t *testing.T) {
	c := newTestAPI(t)
	id := c.createRecord("mem1")

	resp, body := c.do(http.MethodGet, "/v1/records/"+id, "mem1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner get: expected 200, got %d", resp.StatusCode)
	}
	if body["created_by"] != "mem1" || body["version"] != float64(1) {
		t.Fatalf("unexpected record: %v", body)
	}

	// outside the department a deny reads as a miss
	resp, _ = c.do(http.MethodGet, "/v1/records/"+id, "memB", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("stranger get: expected 404, got %d", resp.StatusCode)
	}

	resp, body = c.do(http.MethodPatch, "/v1/records/"+id, "mem1", map[string]any{
		"expected_version": 1,
		"title":            "Jane A. Doe",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: expected 200, got %d (%v)", resp.StatusCode, body)
	}
	if body["version"] != float64(2) || body["title"] != "Jane A. Doe" {
		t.Fatalf("unexpected updated record: %v", body)
	}

	resp, _ = c.do(http.MethodPatch, "/v1/records/"+id, "mem1", map[string]any{
		"expected_version": 1,
		"title":            "stale",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("stale update: expected 409, got %d", resp.StatusCode)
	}

	resp, _ = c.do(http.MethodDelete, "/v1/records/"+id, "mem1", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", resp.StatusCode)
	}
	resp, _ = c.do(http.MethodGet, "/v1/records/"+id, "mem1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", resp.StatusCode)
	}
}

func TestListRecordsRequiresOrg(t *testing.T) {
	c := newTestAPI(t)
	resp, _ := c.do(http.MethodGet, "/v1/records", "mem1", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without org, got %d", resp.StatusCode)
	}
}

func TestUnknownJSONFieldRejected(t *testing.T) {
	c := newTestAPI(t)
	resp, _ := c.do(http.MethodPost, "/v1/records", "mem1", map[string]any{
		"organization_id": "org1",
		"kind":            "candidate",
		"title":           "x",
		"bogus":           true,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", resp.StatusCode)
	}
}

func TestShareFlowOverHTTP(t *testing.T) {
	c := newTestAPI(t)
	id := c.createRecord("mem1")

	resp, _ := c.do(http.MethodGet, "/v1/records/"+id, "memB", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("pre-share get: expected 404, got %d", resp.StatusCode)
	}

	// members cannot reach across departments, the org owner can
	resp, body := c.do(http.MethodPost, "/v1/shares", "owner", map[string]any{
		"resource_id":  id,
		"granted_to":   "memB",
		"access_level": "view",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("grant: expected 201, got %d (%v)", resp.StatusCode, body)
	}
	grantID, _ := body["id"].(string)
	if grantID == "" {
		t.Fatalf("grant: no id in %v", body)
	}

	resp, _ = c.do(http.MethodGet, "/v1/records/"+id, "memB", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("post-share get: expected 200, got %d", resp.StatusCode)
	}

	// view-level access never unlocks mutation, and the denial reads as a miss
	resp, _ = c.do(http.MethodPatch, "/v1/records/"+id, "memB", map[string]any{
		"expected_version": 1,
		"title":            "nope",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("grantee update: expected 404, got %d", resp.StatusCode)
	}

	resp, _ = c.do(http.MethodDelete, "/v1/shares/"+grantID, "owner", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke: expected 204, got %d", resp.StatusCode)
	}
	resp, _ = c.do(http.MethodGet, "/v1/records/"+id, "memB", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("post-revoke get: expected 404, got %d", resp.StatusCode)
	}
}

func TestTransferFlowOverHTTP(t *testing.T) {
	c := newTestAPI(t)
	id := c.createRecord("mem1")

	resp, body := c.do(http.MethodPost, "/v1/transfers", "mem1", map[string]any{
		"entity_id": id,
		"to_user":   "mem2",
		"comment":   "handover",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("transfer: expected 201, got %d (%v)", resp.StatusCode, body)
	}
	if body["status"] != "active" {
		t.Fatalf("expected active transfer, got %v", body["status"])
	}
	transferID, _ := body["id"].(string)
	if transferID == "" || body["cancel_deadline"] == nil {
		t.Fatalf("incomplete transfer response: %v", body)
	}

	resp, body = c.do(http.MethodGet, "/v1/records/"+id, "mem2", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("new owner get: expected 200, got %d", resp.StatusCode)
	}
	if body["created_by"] != "mem2" {
		t.Fatalf("expected ownership moved to mem2, got %v", body["created_by"])
	}

	resp, body = c.do(http.MethodPost, "/v1/transfers/"+transferID+"/cancel", "mem1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d (%v)", resp.StatusCode, body)
	}
	if body["status"] != "cancelled" || body["cancelled_at"] == nil {
		t.Fatalf("expected cancelled transfer, got %v", body)
	}

	resp, _ = c.do(http.MethodPost, "/v1/transfers/"+transferID+"/cancel", "mem1", nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("double cancel: expected 422, got %d", resp.StatusCode)
	}

	resp, body = c.do(http.MethodGet, "/v1/records/"+id, "mem1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reverted get: expected 200, got %d", resp.StatusCode)
	}
	if body["created_by"] != "mem1" {
		t.Fatalf("expected ownership reverted to mem1, got %v", body["created_by"])
	}
}

func TestConversationsOverHTTP(t *testing.T) {
	c := newTestAPI(t)
	id := c.createRecord("mem1")

	resp, body := c.do(http.MethodPost, "/v1/records/"+id+"/conversations", "mem1", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add conversation: expected 201, got %d (%v)", resp.StatusCode, body)
	}
	if body["owner_id"] != "mem1" || body["record_id"] != id {
		t.Fatalf("unexpected conversation: %v", body)
	}

	resp, body = c.do(http.MethodGet, "/v1/records/"+id+"/conversations", "mem1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list conversations: expected 200, got %d", resp.StatusCode)
	}
	items, _ := body["conversations"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected one conversation, got %v", body)
	}
}
