package crossquery_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/233Official/go-vulncache/pkg/crossquery"
	"github.com/233Official/go-vulncache/pkg/sourcecache"
)

// stubResolver serves canned results per key: a payload, a not-found
// answer, or unavailability.
type stubResolver struct {
	source      string
	payloads    map[string]string
	notFound    map[string]bool
	unavailable map[string]bool
}

func (r *stubResolver) Source() string {
	return r.source
}

func (r *stubResolver) Resolve(_ context.Context, key string) (sourcecache.Result, error) {
	if r.unavailable[key] {
		return sourcecache.Result{}, &sourcecache.UnavailableError{
			Source: r.source,
			Key:    key,
			Err:    errors.New("registry down"),
		}
	}
	if r.notFound[key] {
		return sourcecache.Result{Status: sourcecache.StatusNotFound}, nil
	}
	payload, ok := r.payloads[key]
	if !ok {
		return sourcecache.Result{Status: sourcecache.StatusNotFound}, nil
	}
	return sourcecache.Result{Payload: []byte(payload), Status: sourcecache.StatusFresh}, nil
}

// cvePayload mimics a vulnerability record whose aliases become the lookup
// keys in the template index.
type cvePayload struct {
	ID      string   `json:"id"`
	Aliases []string `json:"aliases"`
}

func deriveAliases(payload []byte) ([]string, error) {
	var record cvePayload
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("decode primary payload: %w", err)
	}
	return append([]string{record.ID}, record.Aliases...), nil
}

func mustPayload(t *testing.T, id string, aliases ...string) string {
	t.Helper()
	data, err := json.Marshal(cvePayload{ID: id, Aliases: aliases})
	require.NoError(t, err)
	return string(data)
}

func newQuery(t *testing.T, primary, secondary *stubResolver) *crossquery.Query {
	t.Helper()
	q, err := crossquery.New(crossquery.Config{}, primary, secondary, deriveAliases, zerolog.Nop())
	require.NoError(t, err)
	return q
}

func TestNew_Validation(t *testing.T) {
	primary := &stubResolver{source: "cve"}
	secondary := &stubResolver{source: "nuclei"}

	_, err := crossquery.New(crossquery.Config{}, nil, secondary, deriveAliases, zerolog.Nop())
	assert.Error(t, err)
	_, err = crossquery.New(crossquery.Config{}, primary, nil, deriveAliases, zerolog.Nop())
	assert.Error(t, err)
	_, err = crossquery.New(crossquery.Config{}, primary, secondary, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestCorrelate_Match(t *testing.T) {
	primary := &stubResolver{source: "cve", payloads: map[string]string{
		"CVE-2024-0001": mustPayload(t, "CVE-2024-0001"),
	}}
	secondary := &stubResolver{source: "nuclei", payloads: map[string]string{
		"CVE-2024-0001": `{"template":"http/cves/2024/CVE-2024-0001.yaml"}`,
	}}
	q := newQuery(t, primary, secondary)

	report, err := q.Correlate(context.Background(), "CVE-2024-0001")
	require.NoError(t, err)
	assert.Equal(t, crossquery.VerdictMatch, report.Verdict)
	assert.Equal(t, []string{"CVE-2024-0001"}, report.Matched)
	assert.Empty(t, report.Unavailable)
}

// Scenario: the derived secondary key is absent in the template index. The
// verdict is a confirmed no-match, not indeterminate.
func TestCorrelate_NoMatchOnSecondaryNotFound(t *testing.T) {
	primary := &stubResolver{source: "cve", payloads: map[string]string{
		"CVE-2024-0002": mustPayload(t, "CVE-2024-0002"),
	}}
	secondary := &stubResolver{source: "nuclei", notFound: map[string]bool{
		"CVE-2024-0002": true,
	}}
	q := newQuery(t, primary, secondary)

	report, err := q.Correlate(context.Background(), "CVE-2024-0002")
	require.NoError(t, err)
	assert.Equal(t, crossquery.VerdictNoMatch, report.Verdict)
	assert.Empty(t, report.Matched)
	assert.Empty(t, report.Unavailable)
}

func TestCorrelate_IndeterminateOnPrimaryUnavailable(t *testing.T) {
	primary := &stubResolver{source: "cve", unavailable: map[string]bool{
		"CVE-2024-0003": true,
	}}
	secondary := &stubResolver{source: "nuclei"}
	q := newQuery(t, primary, secondary)

	report, err := q.Correlate(context.Background(), "CVE-2024-0003")
	require.NoError(t, err, "unavailability yields a verdict, not an error")
	assert.Equal(t, crossquery.VerdictIndeterminate, report.Verdict)
}

func TestCorrelate_IndeterminateOnSecondaryUnavailable(t *testing.T) {
	primary := &stubResolver{source: "cve", payloads: map[string]string{
		"CVE-2024-0004": mustPayload(t, "CVE-2024-0004"),
	}}
	secondary := &stubResolver{source: "nuclei", unavailable: map[string]bool{
		"CVE-2024-0004": true,
	}}
	q := newQuery(t, primary, secondary)

	report, err := q.Correlate(context.Background(), "CVE-2024-0004")
	require.NoError(t, err)
	assert.Equal(t, crossquery.VerdictIndeterminate, report.Verdict, "an outage is never coerced to no-match")
	assert.Equal(t, []string{"CVE-2024-0004"}, report.Unavailable)
}

func TestCorrelate_ConfirmedHitBeatsUnavailable(t *testing.T) {
	primary := &stubResolver{source: "cve", payloads: map[string]string{
		"CVE-2024-0005": mustPayload(t, "CVE-2024-0005", "GHSA-aaaa-bbbb-cccc"),
	}}
	secondary := &stubResolver{
		source:      "nuclei",
		payloads:    map[string]string{"CVE-2024-0005": `{"template":"x"}`},
		unavailable: map[string]bool{"GHSA-aaaa-bbbb-cccc": true},
	}
	q := newQuery(t, primary, secondary)

	report, err := q.Correlate(context.Background(), "CVE-2024-0005")
	require.NoError(t, err)
	assert.Equal(t, crossquery.VerdictMatch, report.Verdict)
	assert.Equal(t, []string{"CVE-2024-0005"}, report.Matched)
	assert.Equal(t, []string{"GHSA-aaaa-bbbb-cccc"}, report.Unavailable)
}

func TestCorrelate_PrimaryNotFoundIsNoMatch(t *testing.T) {
	primary := &stubResolver{source: "cve", notFound: map[string]bool{
		"CVE-2099-0001": true,
	}}
	secondary := &stubResolver{source: "nuclei"}
	q := newQuery(t, primary, secondary)

	report, err := q.Correlate(context.Background(), "CVE-2099-0001")
	require.NoError(t, err)
	assert.Equal(t, crossquery.VerdictNoMatch, report.Verdict)
	assert.Equal(t, sourcecache.StatusNotFound, report.PrimaryStatus)
}

func TestCorrelate_NoDerivedKeysIsNoMatch(t *testing.T) {
	primary := &stubResolver{source: "cve", payloads: map[string]string{
		"CVE-2024-0007": `{"id":"CVE-2024-0007"}`,
	}}
	secondary := &stubResolver{source: "nuclei"}
	noKeys := func([]byte) ([]string, error) { return nil, nil }
	q, err := crossquery.New(crossquery.Config{}, primary, secondary, noKeys, zerolog.Nop())
	require.NoError(t, err)

	report, err := q.Correlate(context.Background(), "CVE-2024-0007")
	require.NoError(t, err)
	assert.Equal(t, crossquery.VerdictNoMatch, report.Verdict)
}

func TestCorrelate_DerivationFailureIsAnError(t *testing.T) {
	primary := &stubResolver{source: "cve", payloads: map[string]string{
		"CVE-2024-0006": `not json at all`,
	}}
	secondary := &stubResolver{source: "nuclei"}
	q := newQuery(t, primary, secondary)

	_, err := q.Correlate(context.Background(), "CVE-2024-0006")
	require.Error(t, err)
}
