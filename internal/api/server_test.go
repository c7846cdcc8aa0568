package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"database/sql"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/smartlock-io/smartlock-core/internal/accesslog"
	"github.com/smartlock-io/smartlock-core/internal/alert"
	"github.com/smartlock-io/smartlock-core/internal/auth"
	"github.com/smartlock-io/smartlock-core/internal/ca"
	"github.com/smartlock-io/smartlock-core/internal/device"
	"github.com/smartlock-io/smartlock-core/internal/firmware"
	"github.com/smartlock-io/smartlock-core/internal/infrastructure/config"
	"github.com/smartlock-io/smartlock-core/internal/infrastructure/logging"
	"github.com/smartlock-io/smartlock-core/internal/notify"
	"github.com/smartlock-io/smartlock-core/internal/session"
)

const (
	testJWTSecret     = "test-secret"
	testAdminPassword = "fleet-operator-secret"
)

var (
	adminHashOnce sync.Once
	adminHashPHC  string
)

// testAdminHash hashes the test admin password once; argon2id is deliberately
// expensive and every stack in the package shares the same credentials.
func testAdminHash(t *testing.T) string {
	t.Helper()

	adminHashOnce.Do(func() {
		h, err := auth.HashPassword(testAdminPassword)
		if err != nil {
			t.Fatalf("hashing admin password: %v", err)
		}
		adminHashPHC = h
	})
	return adminHashPHC
}

// devicePublicKeyPEM generates a key pair and returns the PEM public half,
// the way a lock does when it completes provisioning.
func devicePublicKeyPEM(t *testing.T) string {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating device key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshalling public key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

// fakePublisher records published MQTT messages.
type fakePublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
}

type publishedMessage struct {
	topic   string
	payload []byte
}

func (p *fakePublisher) Publish(topic string, payload []byte, _ byte, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, publishedMessage{topic: topic, payload: payload})
	return nil
}

// payloadFor returns the last payload published to the given topic.
func (p *fakePublisher) payloadFor(topic string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.messages) - 1; i >= 0; i-- {
		if p.messages[i].topic == topic {
			return p.messages[i].payload
		}
	}
	return nil
}

// testStack holds the wired services behind a test server.
type testStack struct {
	server     *Server
	router     http.Handler
	pub        *fakePublisher
	deviceRepo *device.SQLiteRepository
	devices    *device.Service
	sessions   *session.Store
	firmware   *firmware.Service
	notifyRepo *notify.SQLiteRepository
	accessRepo *accesslog.SQLiteRepository
}

// setupSchema creates the full application schema in an in-memory database.
func setupSchema(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	schema := `
		CREATE TABLE devices (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT 'smart_lock',
			model TEXT NOT NULL DEFAULT 'ESP32_v1',
			organization_id TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			provisioning_token TEXT,
			token_expires_at TEXT,
			public_key TEXT,
			certificate_serial TEXT,
			certificate_pem TEXT,
			firmware_version TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			last_seen_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE access_logs (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			user_id TEXT,
			method TEXT NOT NULL,
			success INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE TABLE firmwares (
			id TEXT PRIMARY KEY,
			version TEXT NOT NULL UNIQUE,
			filename TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			sha256 TEXT NOT NULL,
			signature TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			uploaded_by TEXT NOT NULL DEFAULT '',
			release_notes TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE TABLE firmware_rollouts (
			id TEXT PRIMARY KEY,
			update_id TEXT NOT NULL,
			firmware_id TEXT NOT NULL REFERENCES firmwares(id),
			device_id TEXT NOT NULL,
			from_version TEXT NOT NULL DEFAULT '',
			to_version TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			progress INTEGER NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			ended_at TEXT,
			updated_at TEXT NOT NULL,
			UNIQUE(update_id, device_id)
		);
		CREATE TABLE notifications (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			device_id TEXT,
			title TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			read INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// newTestStack wires the full service stack behind an API server.
func newTestStack(t *testing.T) *testStack {
	t.Helper()

	logger := logging.Default()
	db := setupSchema(t)
	tmp := t.TempDir()

	caManager := ca.NewManager(config.CAConfig{KeysDir: filepath.Join(tmp, "keys")}, logger)
	if err := caManager.Initialise(); err != nil {
		t.Fatalf("initialising CA: %v", err)
	}

	pub := &fakePublisher{}
	deviceRepo := device.NewSQLiteRepository(db)
	deviceSvc := device.NewService(device.Deps{
		Repo:      deviceRepo,
		CA:        caManager,
		Publisher: pub,
		Logger:    logger,
	})

	sessions := session.NewStore(5 * time.Minute)
	verifier := session.NewVerifier(deviceRepo, sessions, logger)

	signer, err := firmware.NewSigner(filepath.Join(tmp, "ota-sign.pem"))
	if err != nil {
		t.Fatalf("creating signer: %v", err)
	}
	notifyRepo := notify.NewSQLiteRepository(db)
	firmwareSvc := firmware.NewService(firmware.Deps{
		Repo:          firmware.NewSQLiteRepository(db),
		Devices:       deviceRepo,
		Signer:        signer,
		Publisher:     pub,
		Notifications: notifyRepo,
		Logger:        logger,
		Config: config.OTAConfig{
			SigningKeyFile:  filepath.Join(tmp, "ota-sign.pem"),
			FirmwareDir:     filepath.Join(tmp, "firmware"),
			MaxUploadBytes:  1 << 20,
			DownloadBaseURL: "http://localhost:8080/api/v1/ota/download",
			RolloutTimeout:  30 * time.Minute,
		},
	})

	accessRepo := accesslog.NewSQLiteRepository(db)
	detector := alert.NewDetector(config.AlertConfig{
		FailureThreshold: 3,
		WindowMinutes:    3,
		CooldownMinutes:  5,
	}, accessRepo, notifyRepo, logger)

	server, err := New(Deps{
		Security: config.SecurityConfig{
			JWT:   config.JWTConfig{Secret: testJWTSecret, AccessTokenTTL: 15},
			Admin: config.AdminConfig{Username: "admin", PasswordHash: testAdminHash(t)},
		},
		Logger:        logger,
		CA:            caManager,
		Devices:       deviceSvc,
		DeviceRepo:    deviceRepo,
		Verifier:      verifier,
		Firmware:      firmwareSvc,
		Alerts:        detector,
		Notifications: notifyRepo,
		AccessLog:     accessRepo,
		Version:       "test",
	})
	if err != nil {
		t.Fatalf("creating server: %v", err)
	}

	return &testStack{
		server:     server,
		router:     server.buildRouter(),
		pub:        pub,
		deviceRepo: deviceRepo,
		devices:    deviceSvc,
		sessions:   sessions,
		firmware:   firmwareSvc,
		notifyRepo: notifyRepo,
		accessRepo: accessRepo,
	}
}

// token mints a JWT for the given role.
func token(t *testing.T, role auth.Role) string {
	t.Helper()

	signed, err := auth.GenerateAccessToken("tester", role, testJWTSecret, 15)
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	return signed
}

// doJSON performs a request with an optional bearer token and JSON body.
func (ts *testStack) doJSON(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshalling request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

// decodeBody unmarshals a JSON response body into a map.
func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestStack(t)

	rec := ts.doJSON(t, http.MethodGet, "/api/v1/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
}

func TestLogin(t *testing.T) {
	ts := newTestStack(t)

	t.Run("bad credentials", func(t *testing.T) {
		rec := ts.doJSON(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
			"username": "admin", "password": "wrong",
		})
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("valid credentials", func(t *testing.T) {
		rec := ts.doJSON(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
			"username": "admin", "password": testAdminPassword,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}

		body := decodeBody(t, rec)
		accessToken, _ := body["access_token"].(string)
		claims, err := auth.ParseToken(accessToken, testJWTSecret)
		if err != nil {
			t.Fatalf("returned token does not parse: %v", err)
		}
		if claims.Role != auth.RoleAdmin {
			t.Errorf("Role = %q, want admin", claims.Role)
		}
	})
}

func TestAuthEnforcement(t *testing.T) {
	ts := newTestStack(t)

	t.Run("missing token", func(t *testing.T) {
		rec := ts.doJSON(t, http.MethodGet, "/api/v1/devices/", "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		rec := ts.doJSON(t, http.MethodGet, "/api/v1/devices/", "not-a-jwt", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("viewer cannot use admin routes", func(t *testing.T) {
		rec := ts.doJSON(t, http.MethodPost, "/api/v1/devices/register", token(t, auth.RoleViewer), map[string]string{
			"device_id": "lock-1",
		})
		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rec.Code)
		}
	})
}

func TestCACertificateEndpoint(t *testing.T) {
	ts := newTestStack(t)

	rec := ts.doJSON(t, http.MethodGet, "/api/v1/ca-certificate", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := decodeBody(t, rec)
	pem, _ := body["ca_certificate"].(string)
	if !strings.Contains(pem, "BEGIN CERTIFICATE") {
		t.Errorf("ca_certificate does not look like PEM: %q", pem)
	}
}

func TestRegisterAndProvisionFlow(t *testing.T) {
	ts := newTestStack(t)
	admin := token(t, auth.RoleAdmin)

	rec := ts.doJSON(t, http.MethodPost, "/api/v1/devices/register", admin, map[string]string{
		"device_id": "lock-front", "name": "Front Door",
		"type": "gate_lock", "model": "ESP32_v2", "organization_id": "org-42",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("register status = %d: %s", rec.Code, rec.Body.String())
	}

	registered, err := ts.deviceRepo.GetByDeviceID(context.Background(), "lock-front")
	if err != nil {
		t.Fatalf("fetching registered device: %v", err)
	}
	if registered.Type != "gate_lock" || registered.Model != "ESP32_v2" {
		t.Errorf("hardware attributes = %s/%s, want gate_lock/ESP32_v2", registered.Type, registered.Model)
	}
	if registered.OrganizationID == nil || *registered.OrganizationID != "org-42" {
		t.Errorf("OrganizationID = %v, want org-42", registered.OrganizationID)
	}

	// The provisioning token travels over MQTT, not the HTTP response.
	payload := ts.pub.payloadFor("smartlock/device/lock-front/provision/token")
	if payload == nil {
		t.Fatal("provisioning token was not published")
	}
	var credentials struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(payload, &credentials); err != nil {
		t.Fatalf("decoding token payload: %v", err)
	}

	publicKey := devicePublicKeyPEM(t)

	t.Run("wrong token rejected", func(t *testing.T) {
		rec := ts.doJSON(t, http.MethodPost, "/api/v1/devices/lock-front/provision", "", map[string]string{
			"token": "bogus", "public_key": publicKey,
		})
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("missing public key rejected", func(t *testing.T) {
		rec := ts.doJSON(t, http.MethodPost, "/api/v1/devices/lock-front/provision", "", map[string]string{
			"token": credentials.Token,
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("malformed public key rejected", func(t *testing.T) {
		rec := ts.doJSON(t, http.MethodPost, "/api/v1/devices/lock-front/provision", "", map[string]string{
			"token": credentials.Token, "public_key": "not a key",
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("valid token issues certificate", func(t *testing.T) {
		rec := ts.doJSON(t, http.MethodPost, "/api/v1/devices/lock-front/provision", "", map[string]string{
			"token": credentials.Token, "public_key": publicKey,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}

		body := decodeBody(t, rec)
		cert, _ := body["certificate"].(string)
		if !strings.Contains(cert, "BEGIN CERTIFICATE") {
			t.Error("response missing certificate material")
		}
		if _, ok := body["private_key"]; ok {
			t.Error("response must not carry key material for the device")
		}

		dev, err := ts.deviceRepo.GetByDeviceID(context.Background(), "lock-front")
		if err != nil {
			t.Fatalf("loading device: %v", err)
		}
		if dev.Status != device.StatusRegistered {
			t.Errorf("status = %s, want registered", dev.Status)
		}
		if dev.PublicKeyPEM == nil || *dev.PublicKeyPEM != publicKey {
			t.Error("submitted public key was not stored")
		}
	})

	t.Run("second provisioning attempt conflicts", func(t *testing.T) {
		rec := ts.doJSON(t, http.MethodPost, "/api/v1/devices/lock-front/provision", "", map[string]string{
			"token": credentials.Token, "public_key": publicKey,
		})
		if rec.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", rec.Code)
		}
	})

	t.Run("provisioning is audited", func(t *testing.T) {
		attempts, err := ts.accessRepo.ListByDevice(context.Background(), "lock-front", 10)
		if err != nil {
			t.Fatalf("listing audit entries: %v", err)
		}
		var events []string
		for _, a := range attempts {
			if a.Method == accesslog.MethodProvision {
				events = append(events, a.Reason)
			}
		}
		if len(events) != 2 {
			t.Fatalf("audit entries = %v, want provision_init and provision_complete", events)
		}
	})
}

func TestDeviceEndpoints(t *testing.T) {
	ts := newTestStack(t)
	admin := token(t, auth.RoleAdmin)
	ctx := context.Background()

	if _, err := ts.devices.RegisterDevice(ctx, device.Registration{DeviceID: "lock-1", Name: "Lock One"}); err != nil {
		t.Fatalf("registering device: %v", err)
	}

	t.Run("list", func(t *testing.T) {
		rec := ts.doJSON(t, http.MethodGet, "/api/v1/devices/", admin, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		body := decodeBody(t, rec)
		if body["count"] != float64(1) {
			t.Errorf("count = %v, want 1", body["count"])
		}
	})

	t.Run("get unknown", func(t *testing.T) {
		rec := ts.doJSON(t, http.MethodGet, "/api/v1/devices/nope", admin, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("unlock refused without session", func(t *testing.T) {
		rec := ts.doJSON(t, http.MethodPost, "/api/v1/devices/lock-1/unlock", admin, nil)
		if rec.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", rec.Code)
		}
		body := decodeBody(t, rec)
		if body["reason"] != session.ReasonNotProvisioned {
			t.Errorf("reason = %v, want %s", body["reason"], session.ReasonNotProvisioned)
		}
	})

	t.Run("block and unblock", func(t *testing.T) {
		rec := ts.doJSON(t, http.MethodPost, "/api/v1/devices/lock-1/block", admin, map[string]string{
			"reason": "suspected tampering",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("block status = %d", rec.Code)
		}

		verify := ts.doJSON(t, http.MethodGet, "/api/v1/devices/lock-1/session", admin, nil)
		body := decodeBody(t, verify)
		sessionBody, _ := body["session"].(map[string]any)
		if sessionBody["valid"] != false || sessionBody["reason"] != session.ReasonDeviceBlocked {
			t.Errorf("session = %v, want blocked", sessionBody)
		}

		rec = ts.doJSON(t, http.MethodPost, "/api/v1/devices/lock-1/unblock", admin, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("unblock status = %d", rec.Code)
		}

		rec = ts.doJSON(t, http.MethodPost, "/api/v1/devices/lock-1/unblock", admin, nil)
		if rec.Code != http.StatusConflict {
			t.Errorf("second unblock status = %d, want 409", rec.Code)
		}
	})
}

// uploadFirmware posts a multipart firmware upload.
func (ts *testStack) uploadFirmware(t *testing.T, bearer, version string, content []byte) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("firmware", version+".bin")
	if err != nil {
		t.Fatalf("creating form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("writing form file: %v", err)
	}
	if err := mw.WriteField("version", version); err != nil {
		t.Fatalf("writing version field: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("closing multipart writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ota/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+bearer)

	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func TestOTAEndpoints(t *testing.T) {
	ts := newTestStack(t)
	admin := token(t, auth.RoleAdmin)
	ctx := context.Background()

	if _, err := ts.devices.RegisterDevice(ctx, device.Registration{DeviceID: "lock-1"}); err != nil {
		t.Fatalf("registering device: %v", err)
	}

	content := []byte("firmware image contents")
	rec := ts.uploadFirmware(t, admin, "2.1.0", content)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	fwBody, _ := body["firmware"].(map[string]any)
	artifactID, _ := fwBody["id"].(string)
	if artifactID == "" {
		t.Fatal("upload response missing artifact id")
	}
	if uploadedBy, _ := fwBody["uploaded_by"].(string); uploadedBy != "tester" {
		t.Errorf("uploaded_by = %q, want the token subject", uploadedBy)
	}

	t.Run("duplicate upload conflicts", func(t *testing.T) {
		rec := ts.uploadFirmware(t, admin, "2.1.0", content)
		if rec.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", rec.Code)
		}
	})

	var updateID string
	t.Run("push", func(t *testing.T) {
		rec := ts.doJSON(t, http.MethodPost, "/api/v1/ota/push", admin, map[string]any{
			"version":    "2.1.0",
			"device_ids": []string{"lock-1"},
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("push status = %d: %s", rec.Code, rec.Body.String())
		}
		body := decodeBody(t, rec)
		if body["pushed_to"] != float64(1) {
			t.Errorf("pushed_to = %v, want 1", body["pushed_to"])
		}
		updateID, _ = body["update_id"].(string)
		if updateID == "" {
			t.Fatal("push response missing update_id")
		}
	})

	t.Run("rollouts by update", func(t *testing.T) {
		rec := ts.doJSON(t, http.MethodGet, "/api/v1/ota/rollouts/"+updateID, admin, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}

		rec = ts.doJSON(t, http.MethodGet, "/api/v1/ota/rollouts/unknown", admin, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("unknown update status = %d, want 404", rec.Code)
		}
	})

	t.Run("download", func(t *testing.T) {
		rec := ts.doJSON(t, http.MethodGet, "/api/v1/ota/download/"+artifactID, "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/octet-stream" {
			t.Errorf("Content-Type = %q", ct)
		}
		if !bytes.Equal(rec.Body.Bytes(), content) {
			t.Error("downloaded bytes differ from upload")
		}
	})

	t.Run("download unknown artifact", func(t *testing.T) {
		rec := ts.doJSON(t, http.MethodGet, "/api/v1/ota/download/none", "", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("push without devices", func(t *testing.T) {
		rec := ts.doJSON(t, http.MethodPost, "/api/v1/ota/push", admin, map[string]any{
			"version": "2.1.0", "device_ids": []string{},
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("deactivated version cannot be pushed", func(t *testing.T) {
		rec := ts.doJSON(t, http.MethodPatch, "/api/v1/ota/firmwares/2.1.0/active", admin, map[string]any{
			"active": false,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("deactivate status = %d: %s", rec.Code, rec.Body.String())
		}

		rec = ts.doJSON(t, http.MethodPost, "/api/v1/ota/push", admin, map[string]any{
			"version": "2.1.0", "device_ids": []string{"lock-1"},
		})
		if rec.Code != http.StatusNotFound {
			t.Errorf("push status = %d, want 404 for a withdrawn build", rec.Code)
		}
	})

	t.Run("activate flag is required", func(t *testing.T) {
		rec := ts.doJSON(t, http.MethodPatch, "/api/v1/ota/firmwares/2.1.0/active", admin, map[string]any{})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestNotificationEndpoints(t *testing.T) {
	ts := newTestStack(t)
	admin := token(t, auth.RoleAdmin)
	ctx := context.Background()

	deviceID := "lock-1"
	n := &notify.Notification{
		Type:     notify.TypeSecurityAlert,
		DeviceID: &deviceID,
		Title:    "Security alert",
		Message:  "Device lock-1: 3 failed access attempts in the last 3 minutes",
	}
	if err := ts.notifyRepo.Create(ctx, n); err != nil {
		t.Fatalf("creating notification: %v", err)
	}

	rec := ts.doJSON(t, http.MethodGet, "/api/v1/notifications/?unread=true", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["count"] != float64(1) {
		t.Fatalf("count = %v, want 1", body["count"])
	}

	rec = ts.doJSON(t, http.MethodPost, fmt.Sprintf("/api/v1/notifications/%s/read", n.ID), admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("mark read status = %d", rec.Code)
	}

	rec = ts.doJSON(t, http.MethodGet, "/api/v1/notifications/?unread=true", admin, nil)
	body = decodeBody(t, rec)
	if body["count"] != float64(0) {
		t.Errorf("unread count after read = %v, want 0", body["count"])
	}

	rec = ts.doJSON(t, http.MethodPost, "/api/v1/notifications/missing/read", admin, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing notification status = %d, want 404", rec.Code)
	}
}
