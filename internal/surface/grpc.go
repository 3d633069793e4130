package surface

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/benthamhq/bentham/internal/core/domain"
	"github.com/benthamhq/bentham/internal/metrics"
)

// GatewayAdapter queries surfaces through a remote browser-automation
// gateway over gRPC. The gateway drives the actual browser (CDP or
// proxied); this adapter only speaks its generic invoke surface with
// struct payloads, so no generated stubs are required.
type GatewayAdapter struct {
	method domain.CollectionMethod
	conn   *grpc.ClientConn
}

const gatewayExecuteMethod = "/bentham.gateway.v1.Gateway/ExecuteQuery"

// NewGatewayAdapter dials the browser gateway. method selects which
// automation mode the gateway is asked for (browser-cdp or browser-proxy).
// useTLS forces transport security; an https endpoint or a :443 port
// implies it.
func NewGatewayAdapter(ctx context.Context, method domain.CollectionMethod, endpoint string, useTLS bool) (*GatewayAdapter, error) {
	creds, target := gatewayCreds(endpoint, useTLS)
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("failed to dial gateway %s: %w", target, err)
	}

	return &GatewayAdapter{method: method, conn: conn}, nil
}

// gatewayCreds picks transport security for the gateway dial and strips
// the scheme from the target.
func gatewayCreds(endpoint string, useTLS bool) (credentials.TransportCredentials, string) {
	if useTLS || strings.HasPrefix(endpoint, "https://") || strings.HasSuffix(endpoint, ":443") {
		return credentials.NewTLS(&tls.Config{}), strings.TrimPrefix(endpoint, "https://")
	}
	return insecure.NewCredentials(), strings.TrimPrefix(endpoint, "http://")
}

func (a *GatewayAdapter) Method() domain.CollectionMethod {
	return a.method
}

func (a *GatewayAdapter) ExecuteQuery(ctx context.Context, surfaceID, query string, qc QueryContext) (*QueryResult, error) {
	start := time.Now()
	metrics.SurfaceCalls.WithLabelValues(surfaceID, string(a.method)).Inc()

	if qc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qc.Timeout)
		defer cancel()
	}

	req, err := structpb.NewStruct(map[string]any{
		"surface":  surfaceID,
		"query":    query,
		"method":   string(a.method),
		"session":  qc.SessionID,
		"proxy":    qc.ProxyID,
		"location": qc.LocationID,
		"evidence": string(qc.EvidenceLevel),
		"tenant":   qc.TenantID,
		"study":    qc.StudyID,
	})
	if err != nil {
		return nil, fmt.Errorf("build gateway request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := a.conn.Invoke(ctx, gatewayExecuteMethod, req, resp); err != nil {
		return nil, err
	}

	metrics.SurfaceLatency.WithLabelValues(surfaceID, string(a.method)).
		Observe(time.Since(start).Seconds())

	result := &QueryResult{RetrievedAt: time.Now()}
	fields := resp.GetFields()
	if content, ok := fields["content"]; ok {
		result.Content = content.GetStringValue()
	}
	if evidence, ok := fields["evidence"]; ok {
		result.Evidence = make(map[string]string)
		for k, v := range evidence.GetStructValue().GetFields() {
			result.Evidence[k] = v.GetStringValue()
		}
	}
	return result, nil
}

// Close releases the gateway connection.
func (a *GatewayAdapter) Close() error {
	return a.conn.Close()
}
