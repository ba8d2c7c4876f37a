package activitypub

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
)

// clockSkewTolerance bounds how far a signed request's Date header may
// drift from wall-clock time before VerifyRequest rejects it as stale. A
// var, not a const, so the application's config can tighten or loosen
// it at startup via SetClockSkewTolerance.
var clockSkewTolerance = 5 * time.Minute

// SetClockSkewTolerance overrides the tolerance used by VerifyRequest.
func SetClockSkewTolerance(d time.Duration) {
	if d > 0 {
		clockSkewTolerance = d
	}
}

// signedHeaders is the fixed header list this server signs and expects on
// verification, matching the draft-cavage signing string order.
var signedHeaders = []string{"(request-target)", "host", "date", "digest", "content-type"}

// signedGetHeaders is the shorter list used for bodyless GETs (actor
// fetches against authorized-fetch instances), where there is no digest
// or content type to cover.
var signedGetHeaders = []string{"(request-target)", "host", "date"}

// ParsePrivateKey decodes a PEM-encoded RSA private key in either PKCS#1
// ("RSA PRIVATE KEY") or PKCS#8 ("PRIVATE KEY") form.
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("httpsig: failed to decode private key PEM")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("httpsig: parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("httpsig: private key is not RSA")
	}
	return key, nil
}

// ParsePublicKey decodes a PEM-encoded RSA public key in either PKCS#1
// ("RSA PUBLIC KEY") or PKIX ("PUBLIC KEY") form.
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("httpsig: failed to decode public key PEM")
	}

	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("httpsig: parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("httpsig: public key is not RSA")
	}
	return key, nil
}

// SignRequest signs r in place with key under keyId, using the
// draft-cavage signing string `(request-target) host date digest
// content-type`. It reads and discards r.Body to compute the digest
// material the library needs; callers must rebuild the request body for
// any further use (the same contract as net/http.Request.Write). When
// r has a body, any Digest header already set is replaced by the one
// computed from that body.
func SignRequest(r *http.Request, key *rsa.PrivateKey, keyId string) error {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("httpsig: read body: %w", err)
		}
		r.Body.Close()
	}

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		signedHeaders,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("httpsig: new signer: %w", err)
	}

	// The library adds the Digest header itself and refuses to overwrite
	// one that is already present.
	if body != nil {
		r.Header.Del("Digest")
	}

	if err := signer.SignRequest(key, keyId, r, body); err != nil {
		return fmt.Errorf("httpsig: sign request: %w", err)
	}
	return nil
}

// SignGetRequest signs a bodyless GET in place with key under keyId,
// using the signing string `(request-target) host date`. Used by the
// actor cache so fetches against authorized-fetch instances carry the
// system actor's signature.
func SignGetRequest(r *http.Request, key *rsa.PrivateKey, keyId string) error {
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		signedGetHeaders,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("httpsig: new signer: %w", err)
	}

	if err := signer.SignRequest(key, keyId, r, nil); err != nil {
		return fmt.Errorf("httpsig: sign request: %w", err)
	}
	return nil
}

// VerifyRequest verifies the Signature header on r against publicKeyPEM
// and returns the actor URI the keyId resolves to (the keyId with any
// #fragment stripped). Each way verification can fail is reported as a
// KindAuth error tagged with the matching AuthReason: an absent or
// malformed Signature header (MissingSignature), an unusable key
// (UnknownKey), a Date header outside the clock-skew tolerance
// (StaleDate), a body that doesn't hash to the Digest header
// (DigestMismatch), or a signature that doesn't check out against the
// key (SignatureInvalid). The Date and Digest checks run here because
// the verifier library only covers signature validity.
func VerifyRequest(r *http.Request, publicKeyPEM string) (string, error) {
	pubKey, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return "", AuthReasonErrorf(AuthUnknownKey, err, "httpsig: unusable public key")
	}

	if err := checkDateFreshness(r.Header.Get("Date")); err != nil {
		return "", err
	}

	if err := checkDigest(r); err != nil {
		return "", err
	}

	verifier, err := httpsig.NewVerifier(r)
	if err != nil {
		return "", AuthReasonErrorf(AuthMissingSignature, err, "httpsig: missing or malformed signature")
	}

	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return "", AuthReasonErrorf(AuthSignatureInvalid, err, "httpsig: signature invalid")
	}

	return actorURIFromKeyId(verifier.KeyId()), nil
}

func checkDateFreshness(dateHeader string) error {
	if dateHeader == "" {
		return nil
	}
	sent, err := http.ParseTime(dateHeader)
	if err != nil {
		return AuthReasonErrorf(AuthStaleDate, nil, "httpsig: unparseable Date header %q", dateHeader)
	}
	skew := time.Since(sent)
	if skew < 0 {
		skew = -skew
	}
	if skew > clockSkewTolerance {
		return AuthReasonErrorf(AuthStaleDate, nil, "httpsig: stale Date header (%s old)", skew)
	}
	return nil
}

// checkDigest recomputes the SHA-256 digest of r's body and compares it
// to the Digest header. The signature only covers the header value, so
// without this check a tampered body would still verify. The body is
// read and restored for downstream consumers.
func checkDigest(r *http.Request) error {
	digestHeader := r.Header.Get("Digest")
	if digestHeader == "" || !strings.HasPrefix(strings.ToUpper(digestHeader), "SHA-256=") {
		return nil
	}
	if r.Body == nil {
		return nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return AuthReasonErrorf(AuthDigestMismatch, err, "httpsig: read body for digest check")
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	hash := sha256.Sum256(body)
	want := "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
	if digestHeader != want {
		return AuthReasonErrorf(AuthDigestMismatch, nil, "httpsig: Digest header does not match body")
	}
	return nil
}

// actorURIFromKeyId strips a #fragment (e.g. "#main-key") from a keyId URI
// to obtain the actor it belongs to. A keyId without a fragment is
// returned unchanged.
func actorURIFromKeyId(keyId string) string {
	if idx := strings.IndexByte(keyId, '#'); idx != -1 {
		return keyId[:idx]
	}
	return keyId
}
