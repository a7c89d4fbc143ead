package delivery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const enforcePolicy = "version: STSv1\r\nmode: enforce\r\nmx: mx1.example.com\r\nmx: *.backup.example.com\r\nmax_age: 86400\r\n"

func TestParseMTASTSPolicy(t *testing.T) {
	p, err := ParseMTASTSPolicy(enforcePolicy)
	require.NoError(t, err)
	assert.Equal(t, MTASTSEnforce, p.Mode)
	assert.Equal(t, 24*time.Hour, p.MaxAge)
	assert.Equal(t, []string{"mx1.example.com", "*.backup.example.com"}, p.MX)

	for _, bad := range []string{
		"mode: enforce\nmx: a\nmax_age: 1\n",
		"version: STSv1\nmode: sometimes\nmx: a\nmax_age: 1\n",
		"version: STSv1\nmode: enforce\nmax_age: 1\n",
		"version: STSv1\nmode: enforce\nmx: a\n",
		"version: STSv1\nbogus line\n",
	} {
		_, err := ParseMTASTSPolicy(bad)
		assert.ErrorIs(t, err, ErrMTASTSSyntax, bad)
	}
}

func TestMTASTSMatches(t *testing.T) {
	p, err := ParseMTASTSPolicy(enforcePolicy)
	require.NoError(t, err)

	assert.True(t, p.Matches("MX1.example.com."))
	assert.True(t, p.Matches("a.backup.example.com"))
	assert.False(t, p.Matches("a.b.backup.example.com"), "wildcards cover one label")
	assert.False(t, p.Matches("backup.example.com"))
	assert.False(t, p.Matches("mx2.example.com"))
}

func TestApplyMTASTS(t *testing.T) {
	enforce, err := ParseMTASTSPolicy(enforcePolicy)
	require.NoError(t, err)
	testingPolicy, err := ParseMTASTSPolicy("version: STSv1\nmode: testing\nmx: mx1.example.com\nmax_age: 60\n")
	require.NoError(t, err)

	mode, ok := ApplyMTASTS(TLSOpportunistic, nil, "mx1.example.com")
	assert.True(t, ok)
	assert.Equal(t, TLSOpportunistic, mode)

	mode, ok = ApplyMTASTS(TLSOpportunisticInsecure, enforce, "mx1.example.com")
	assert.True(t, ok)
	assert.Equal(t, TLSRequired, mode)

	_, ok = ApplyMTASTS(TLSOpportunistic, enforce, "rogue.example.net")
	assert.False(t, ok)

	mode, ok = ApplyMTASTS(TLSOpportunistic, testingPolicy, "rogue.example.net")
	assert.True(t, ok)
	assert.Equal(t, TLSOpportunistic, mode)
}

func TestMTASTSResolverFetchAndCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/.well-known/mta-sts.txt" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, enforcePolicy)
	}))
	defer srv.Close()

	dns := newFakeDNS()
	dns.txt["_mta-sts.example.com"] = []string{"v=STSv1; id=20240101"}

	r := NewMTASTSResolver(dns, srv.Client())
	r.policyURL = func(string) string { return srv.URL + "/.well-known/mta-sts.txt" }

	p, err := r.Get(context.Background(), "example.com")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, MTASTSEnforce, p.Mode)

	_, err = r.Get(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load(), "policy is cached")

	p, err = r.Get(context.Background(), "nopolicy.example")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestMTASTSResolverFetchFailureIsNoPolicy(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	dns := newFakeDNS()
	dns.txt["_mta-sts.example.com"] = []string{"v=STSv1; id=1"}

	r := NewMTASTSResolver(dns, srv.Client())
	r.policyURL = func(string) string { return srv.URL }

	p, err := r.Get(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Nil(t, p)
}
