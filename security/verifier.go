package security

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-entitlements/core"
)

const maxNestingDepth = 4

// nestedSignedFields are decoded claim keys whose values are themselves
// signed payloads.
var nestedSignedFields = []string{"signedTransactionInfo", "signedRenewalInfo"}

var allowedMethods = []string{
	jwt.SigningMethodES256.Alg(),
	jwt.SigningMethodES384.Alg(),
	jwt.SigningMethodES512.Alg(),
	jwt.SigningMethodRS256.Alg(),
	jwt.SigningMethodRS384.Alg(),
	jwt.SigningMethodRS512.Alg(),
	jwt.SigningMethodPS256.Alg(),
	jwt.SigningMethodPS384.Alg(),
	jwt.SigningMethodPS512.Alg(),
}

type VerifierOption func(*SignedDataVerifier)

// WithBundleID rejects payloads issued for a different application bundle.
func WithBundleID(bundleID string) VerifierOption {
	return func(v *SignedDataVerifier) {
		v.bundleID = strings.TrimSpace(bundleID)
	}
}

// SignedDataVerifier is built once at startup from immutable trust roots and
// shared by all requests.
type SignedDataVerifier struct {
	roots        []*x509.Certificate
	fingerprints map[[sha256.Size]byte]struct{}
	bundleID     string
	parser       *jwt.Parser
}

func NewSignedDataVerifier(roots []*x509.Certificate, opts ...VerifierOption) (*SignedDataVerifier, error) {
	verifier := &SignedDataVerifier{
		fingerprints: map[[sha256.Size]byte]struct{}{},
		parser: jwt.NewParser(
			jwt.WithValidMethods(allowedMethods),
			jwt.WithoutClaimsValidation(),
			jwt.WithJSONNumber(),
		),
	}
	for _, root := range roots {
		if root == nil {
			continue
		}
		verifier.roots = append(verifier.roots, root)
		verifier.fingerprints[sha256.Sum256(root.Raw)] = struct{}{}
	}
	if len(verifier.roots) == 0 {
		return nil, fmt.Errorf("security: at least one trust root is required")
	}
	for _, opt := range opts {
		if opt != nil {
			opt(verifier)
		}
	}
	return verifier, nil
}

func (v *SignedDataVerifier) VerifyTransaction(ctx context.Context, signed string) (core.TransactionInfo, error) {
	claims, err := v.Verify(ctx, signed)
	if err != nil {
		return core.TransactionInfo{}, err
	}
	var info core.TransactionInfo
	if err := decodeClaims(claims, &info); err != nil {
		return core.TransactionInfo{}, err
	}
	if strings.TrimSpace(info.TransactionID) == "" {
		return core.TransactionInfo{}, core.NewVerificationError(core.VerificationMalformed, "security: transaction payload has no transactionId", nil)
	}
	if err := v.checkBundle(info.BundleID); err != nil {
		return core.TransactionInfo{}, err
	}
	return info, nil
}

func (v *SignedDataVerifier) VerifyNotification(ctx context.Context, signed string) (core.NotificationPayload, error) {
	claims, err := v.Verify(ctx, signed)
	if err != nil {
		return core.NotificationPayload{}, err
	}
	var payload core.NotificationPayload
	if err := decodeClaims(claims, &payload); err != nil {
		return core.NotificationPayload{}, err
	}
	if strings.TrimSpace(payload.NotificationType) == "" {
		return core.NotificationPayload{}, core.NewVerificationError(core.VerificationMalformed, "security: notification payload has no notificationType", nil)
	}
	if err := v.checkBundle(payload.Data.BundleID); err != nil {
		return core.NotificationPayload{}, err
	}
	if info := payload.Data.TransactionInfo; info != nil {
		if err := v.checkBundle(info.BundleID); err != nil {
			return core.NotificationPayload{}, err
		}
	}
	return payload, nil
}

// Verify validates signed and returns its decoded claims with nested signed
// fields verified and substituted in place.
func (v *SignedDataVerifier) Verify(ctx context.Context, signed string) (map[string]any, error) {
	if v == nil {
		return nil, fmt.Errorf("security: verifier is not configured")
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return v.verify(signed, 0)
}

func (v *SignedDataVerifier) verify(signed string, depth int) (map[string]any, error) {
	if depth > maxNestingDepth {
		return nil, core.NewVerificationError(core.VerificationMalformed, "security: signed payload nesting too deep", nil)
	}
	signed = strings.TrimSpace(signed)
	if strings.Count(signed, ".") != 2 {
		return nil, core.NewVerificationError(core.VerificationMalformed, "security: payload is not a compact JWS", nil)
	}

	unverified, _, err := v.parser.ParseUnverified(signed, jwt.MapClaims{})
	if err != nil {
		return nil, core.NewVerificationError(core.VerificationMalformed, "security: payload header is malformed", err)
	}
	alg, _ := unverified.Header["alg"].(string)
	if !methodAllowed(alg) {
		return nil, core.NewVerificationError(core.VerificationMalformed, fmt.Sprintf("security: signing algorithm %q is not accepted", alg), nil)
	}

	leafKey, err := v.verifyChain(unverified.Header)
	if err != nil {
		return nil, err
	}

	token, err := v.parser.Parse(signed, func(token *jwt.Token) (any, error) {
		if !methodMatchesKey(token.Method, leafKey) {
			return nil, fmt.Errorf("security: algorithm %s does not match leaf key", token.Method.Alg())
		}
		return leafKey, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, core.NewVerificationError(core.VerificationMalformed, "security: payload is malformed", err)
		default:
			return nil, core.NewVerificationError(core.VerificationBadSignature, "security: payload signature is invalid", err)
		}
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, core.NewVerificationError(core.VerificationBadSignature, "security: payload signature is invalid", nil)
	}

	decoded := map[string]any(claims)
	if err := v.expandNested(decoded, depth); err != nil {
		return nil, err
	}
	return decoded, nil
}

// verifyChain checks the x5c chain leaf first and returns the leaf key.
func (v *SignedDataVerifier) verifyChain(header map[string]any) (any, error) {
	raw, ok := header["x5c"]
	if !ok {
		return nil, core.NewVerificationError(core.VerificationNoChain, "security: payload has no x5c chain", nil)
	}
	encoded, ok := raw.([]any)
	if !ok || len(encoded) == 0 {
		return nil, core.NewVerificationError(core.VerificationNoChain, "security: payload x5c chain is empty", nil)
	}

	chain := make([]*x509.Certificate, 0, len(encoded))
	for index, item := range encoded {
		value, ok := item.(string)
		if !ok || strings.TrimSpace(value) == "" {
			return nil, core.NewVerificationError(core.VerificationMalformed, fmt.Sprintf("security: x5c[%d] is not a certificate", index), nil)
		}
		der, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, core.NewVerificationError(core.VerificationMalformed, fmt.Sprintf("security: x5c[%d] is not base64", index), err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, core.NewVerificationError(core.VerificationMalformed, fmt.Sprintf("security: x5c[%d] is not a certificate", index), err)
		}
		chain = append(chain, cert)
	}

	for index := 0; index+1 < len(chain); index++ {
		if err := checkIssuedBy(chain[index], chain[index+1]); err != nil {
			return nil, core.NewVerificationError(core.VerificationChainBroken, fmt.Sprintf("security: x5c[%d] is not signed by x5c[%d]", index, index+1), err)
		}
	}
	if !v.anchored(chain[len(chain)-1]) {
		return nil, core.NewVerificationError(core.VerificationUntrustedRoot, "security: chain does not terminate at a trusted root", nil)
	}
	return chain[0].PublicKey, nil
}

// anchored reports whether cert is a trusted root or is signed by one.
func (v *SignedDataVerifier) anchored(cert *x509.Certificate) bool {
	if _, ok := v.fingerprints[sha256.Sum256(cert.Raw)]; ok {
		return true
	}
	for _, root := range v.roots {
		if checkIssuedBy(cert, root) == nil {
			return true
		}
	}
	return false
}

func (v *SignedDataVerifier) expandNested(claims map[string]any, depth int) error {
	for key, value := range claims {
		switch typed := value.(type) {
		case string:
			if !isNestedSignedField(key) || strings.TrimSpace(typed) == "" {
				continue
			}
			decoded, err := v.verify(typed, depth+1)
			if err != nil {
				return err
			}
			claims[key] = decoded
		case map[string]any:
			if err := v.expandNested(typed, depth); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *SignedDataVerifier) checkBundle(bundleID string) error {
	if v.bundleID == "" || strings.TrimSpace(bundleID) == "" {
		return nil
	}
	if strings.TrimSpace(bundleID) != v.bundleID {
		return core.NewVerificationError(core.VerificationBundle, fmt.Sprintf("security: payload issued for bundle %q", bundleID), nil)
	}
	return nil
}

// checkIssuedBy verifies child's signature with issuer's key, using the
// signature family that issuer's key algorithm dictates.
func checkIssuedBy(child, issuer *x509.Certificate) error {
	if !signatureMatchesKey(child.SignatureAlgorithm, issuer.PublicKeyAlgorithm) {
		return fmt.Errorf("security: signature algorithm %s cannot be produced by a %s key", child.SignatureAlgorithm, issuer.PublicKeyAlgorithm)
	}
	return child.CheckSignatureFrom(issuer)
}

func signatureMatchesKey(signature x509.SignatureAlgorithm, key x509.PublicKeyAlgorithm) bool {
	switch key {
	case x509.RSA:
		switch signature {
		case x509.SHA256WithRSA, x509.SHA384WithRSA, x509.SHA512WithRSA,
			x509.SHA256WithRSAPSS, x509.SHA384WithRSAPSS, x509.SHA512WithRSAPSS:
			return true
		}
	case x509.ECDSA:
		switch signature {
		case x509.ECDSAWithSHA256, x509.ECDSAWithSHA384, x509.ECDSAWithSHA512:
			return true
		}
	}
	return false
}

func methodMatchesKey(method jwt.SigningMethod, key any) bool {
	switch method.(type) {
	case *jwt.SigningMethodECDSA:
		_, ok := key.(*ecdsa.PublicKey)
		return ok
	case *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS:
		_, ok := key.(*rsa.PublicKey)
		return ok
	default:
		return false
	}
}

func methodAllowed(alg string) bool {
	for _, allowed := range allowedMethods {
		if alg == allowed {
			return true
		}
	}
	return false
}

func isNestedSignedField(key string) bool {
	for _, field := range nestedSignedFields {
		if key == field {
			return true
		}
	}
	return false
}

func decodeClaims(claims map[string]any, target any) error {
	data, err := json.Marshal(claims)
	if err != nil {
		return core.NewVerificationError(core.VerificationMalformed, "security: claims cannot be encoded", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return core.NewVerificationError(core.VerificationMalformed, "security: claims do not match the expected payload", err)
	}
	return nil
}
