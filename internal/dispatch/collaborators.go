package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/evbridge/telebridge/internal/apierror"
	"github.com/evbridge/telebridge/internal/auth"
	"github.com/evbridge/telebridge/internal/config"
	"github.com/evbridge/telebridge/internal/transform"
	"github.com/evbridge/telebridge/internal/upstream"
	"github.com/evbridge/telebridge/internal/validate"
)

// SchemaValidator applies the per-route validation schema: credential
// payloads on auth routes, a VIN path parameter on vehicle routes.
type SchemaValidator struct{}

func (SchemaValidator) Validate(route config.RouteConfig, r *http.Request, body []byte) error {
	switch route.Schema {
	case config.SchemaCredentials:
		return validate.CredentialsBody(body)
	case config.SchemaVIN:
		vin, ok := pathParam(r.URL.Path, route.PathPrefix)
		if !ok {
			return apierror.New(apierror.KindValidation, apierror.CodeValidation,
				"request path is missing the vin parameter")
		}
		return validate.ValidateVIN(vin)
	default:
		return nil
	}
}

// pathParam extracts the first path segment after the route prefix.
func pathParam(path, prefix string) (string, bool) {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return "", false
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest, true
}

// verifierAuth adapts an auth.Verifier to the Authenticator interface.
type verifierAuth struct {
	v *auth.Verifier
}

// NewAuthenticator wraps a Verifier for use by the Dispatcher. A
// disabled verifier authenticates everything.
func NewAuthenticator(v *auth.Verifier) Authenticator {
	return verifierAuth{v: v}
}

func (a verifierAuth) Authenticate(r *http.Request) (context.Context, error) {
	if !a.v.Enabled() {
		return r.Context(), nil
	}
	ctx, _, err := a.v.Authenticate(r)
	return ctx, err
}

// ABRPTransformer converts telematics payloads to ABRP telemetry on
// routes configured with the abrp transform; other routes pass through
// untouched.
type ABRPTransformer struct {
	Version string
}

func (t ABRPTransformer) Transform(route config.RouteConfig, resp *upstream.Response) (*upstream.Response, error) {
	if route.Transform != config.TransformABRP {
		return resp, nil
	}

	tel, err := transform.ToABRP(resp.Body, nil, nil, t.Version)
	if err != nil {
		// A payload the bridge cannot interpret is the upstream's
		// failure, not the caller's.
		return nil, apierror.Wrap(apierror.KindUpstreamServer, apierror.CodeUpstreamServer,
			"upstream returned malformed telemetry", err)
	}

	body, err := json.Marshal(tel)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindInternal, apierror.CodeInternal,
			"failed to encode telemetry", err)
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	return &upstream.Response{
		Status: http.StatusOK,
		Header: header,
		Body:   body,
	}, nil
}
