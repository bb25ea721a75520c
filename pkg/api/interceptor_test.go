package api

import (
	"context"
	"testing"

	"github.com/cloakmesh/enclave/pkg/apierr"
	"github.com/cloakmesh/enclave/pkg/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyPeerNilManifestAllowsAll(t *testing.T) {
	require.NoError(t, verifyPeer(context.Background(), nil))
}

func TestVerifyPeerChecksAttachedIdentity(t *testing.T) {
	peers := security.NewPeerManifest("scheduler-enclave", "executor-enclave")

	ctx := security.WithPeerIdentity(context.Background(), "executor-enclave")
	require.NoError(t, verifyPeer(ctx, peers))

	ctx = security.WithPeerIdentity(context.Background(), "rogue-node")
	err := verifyPeer(ctx, peers)
	require.Error(t, err)
	assert.Equal(t, apierr.CodePermissionDenied, apierr.CodeOf(err))
}

func TestVerifyPeerRejectsMissingIdentity(t *testing.T) {
	peers := security.NewPeerManifest("scheduler-enclave")

	err := verifyPeer(context.Background(), peers)
	require.Error(t, err)
	assert.Equal(t, apierr.CodePermissionDenied, apierr.CodeOf(err))
}
