package proxy_test

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/raaihank/egress-sentinel/internal/certs"
	"github.com/raaihank/egress-sentinel/internal/config"
	"github.com/raaihank/egress-sentinel/internal/logger"
	"github.com/raaihank/egress-sentinel/internal/proxy"
)

const stripeKey = "sk_test_4eC39HqLyjWDarjtT1zdp7dc"

var _ = Describe("Interception engine", func() {
	var (
		tmpDir   string
		cfg      *config.Config
		srv      *proxy.Server
		client   *http.Client
		upstream *httptest.Server

		mu     sync.Mutex
		bodies []string
	)

	readAudit := func() []map[string]any {
		f, err := os.Open(cfg.Audit.Path)
		Expect(err).NotTo(HaveOccurred())
		defer f.Close()

		var records []map[string]any
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			var rec map[string]any
			Expect(json.Unmarshal(scanner.Bytes(), &rec)).To(Succeed())
			records = append(records, rec)
		}
		Expect(scanner.Err()).NotTo(HaveOccurred())
		return records
	}

	do := func(method, host, path, contentType, body string) (*http.Response, string) {
		var reader io.Reader
		if body != "" {
			reader = strings.NewReader(body)
		}
		req, err := http.NewRequest(method, "https://"+host+path, reader)
		Expect(err).NotTo(HaveOccurred())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := client.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		out, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		return resp, string(out)
	}

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "egress-sentinel-scenario-*")
		Expect(err).NotTo(HaveOccurred())

		bodies = nil
		upstream = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b, _ := io.ReadAll(r.Body)
			mu.Lock()
			bodies = append(bodies, string(b))
			mu.Unlock()
			io.WriteString(w, "ok")
		}))

		cfg = config.GetDefaults()
		cfg.Policy.WhitelistPath = filepath.Join(tmpDir, "trusted_domains.txt")
		cfg.DLP.RulesPath = filepath.Join(tmpDir, "gitleaks.toml")
		cfg.Audit.Path = filepath.Join(tmpDir, "session", "network.jsonl")
		cfg.TLS.CADir = filepath.Join(tmpDir, "ca")
		cfg.WebSocket.Enabled = false

		Expect(os.WriteFile(cfg.Policy.WhitelistPath, []byte("pypi.org\n"), 0o644)).To(Succeed())
		Expect(os.WriteFile(cfg.DLP.RulesPath, []byte(`
[[rules]]
id = "stripe-access-token"
description = "Stripe Access Token"
regex = '''(?i)\b((?:sk|rk)_(?:test|live|prod)_[a-zA-Z0-9]{10,99})(?:['"\s;]|$)'''
`), 0o644)).To(Succeed())

		// Every upstream dial lands on the local TLS server, whatever host the
		// agent named.
		upstreamAddr := upstream.Listener.Addr().String()
		dialer := &net.Dialer{Timeout: 5 * time.Second}
		upstreamTransport := &http.Transport{
			DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, upstreamAddr)
			},
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
		srv, err = proxy.New(cfg, logger.NewNop(), proxy.WithUpstreamTransport(upstreamTransport))
		Expect(err).NotTo(HaveOccurred())

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		go srv.Serve(ln)

		caPEM, err := os.ReadFile(certs.CertPath(cfg.TLS.CADir))
		Expect(err).NotTo(HaveOccurred())
		pool := x509.NewCertPool()
		Expect(pool.AppendCertsFromPEM(caPEM)).To(BeTrue())

		client = &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				Proxy:           http.ProxyURL(&url.URL{Scheme: "http", Host: ln.Addr().String()}),
				TLSClientConfig: &tls.Config{RootCAs: pool},
			},
		}
	})

	AfterEach(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		Expect(srv.Stop(ctx)).To(Succeed())
		upstream.Close()
		os.RemoveAll(tmpDir)
	})

	Context("when the destination is whitelisted", func() {
		It("forwards a clean request untouched and audits it", func() {
			resp, body := do(http.MethodGet, "pypi.org", "/simple/", "", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body).To(Equal("ok"))

			records := readAudit()
			Expect(records).To(HaveLen(1))
			Expect(records[0]).To(HaveKeyWithValue("allowed", true))
			Expect(records[0]).To(HaveKeyWithValue("host", "pypi.org"))
			Expect(records[0]).NotTo(HaveKey("scrubbed"))
		})

		It("redacts a Stripe key while keeping the body valid JSON", func() {
			resp, _ := do(http.MethodPost, "pypi.org", "/upload", "application/json",
				`{"key":"`+stripeKey+`"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			mu.Lock()
			Expect(bodies).To(HaveLen(1))
			forwarded := bodies[0]
			mu.Unlock()

			var decoded map[string]string
			Expect(json.Unmarshal([]byte(forwarded), &decoded)).To(Succeed())
			Expect(decoded["key"]).To(Equal("[REDACTED_STRIPE_ACCESS_TOKEN]"))

			raw, err := os.ReadFile(cfg.Audit.Path)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(raw)).NotTo(ContainSubstring(stripeKey))

			records := readAudit()
			Expect(records).To(HaveLen(1))
			scrubbed, ok := records[0]["scrubbed"].([]any)
			Expect(ok).To(BeTrue())
			Expect(scrubbed).To(HaveLen(1))
			Expect(scrubbed[0]).To(HaveKeyWithValue("original_prefix", "sk_t***"))
			Expect(scrubbed[0]).To(HaveKeyWithValue("original_length", BeNumerically("==", len(stripeKey))))
		})
	})

	Context("when the destination is not whitelisted", func() {
		It("answers 403 locally and audits the denial", func() {
			resp, body := do(http.MethodGet, "evil.example.com", "/", "", "")
			Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
			Expect(body).To(ContainSubstring("not whitelisted"))

			mu.Lock()
			Expect(bodies).To(BeEmpty())
			mu.Unlock()

			records := readAudit()
			Expect(records).To(HaveLen(1))
			Expect(records[0]).To(HaveKeyWithValue("allowed", false))
		})
	})

	Context("when the allow-list is edited and reloaded", func() {
		It("allows the new domain without restarting", func() {
			resp, _ := do(http.MethodGet, "internal.corp", "/", "", "")
			Expect(resp.StatusCode).To(Equal(http.StatusForbidden))

			Expect(os.WriteFile(cfg.Policy.WhitelistPath, []byte("pypi.org\ninternal.corp\n"), 0o644)).To(Succeed())
			domains, err := srv.Reload("signal")
			Expect(err).NotTo(HaveOccurred())
			Expect(domains).To(Equal(2))

			resp, _ = do(http.MethodGet, "internal.corp", "/", "", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})
})
