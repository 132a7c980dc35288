package compliance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"a2aexchange/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func TestEmptyRoot(t *testing.T) {
	log := NewLog(setupTestDB(t))
	root, count, err := log.Root(context.Background())
	require.NoError(t, err)
	require.Equal(t, EmptyRoot, root)
	require.Zero(t, count)
}

func TestSingleLeafRoot(t *testing.T) {
	log := NewLog(setupTestDB(t))
	ctx := context.Background()

	payload := map[string]any{"escrow_id": "abc", "status": "released"}
	pos, err := log.Append(ctx, payload)
	require.NoError(t, err)
	require.Equal(t, int64(0), pos)

	canonical, err := CanonicalJSON(payload)
	require.NoError(t, err)
	leaf := sha256.Sum256(append([]byte{0x00}, canonical...))

	root, count, err := log.Root(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
	require.Equal(t, hex.EncodeToString(leaf[:]), root)
}

func TestProofsVerifyAcrossAppends(t *testing.T) {
	log := NewLog(setupTestDB(t))
	ctx := context.Background()

	var payloads [][]byte
	for i := 0; i < 7; i++ {
		payload := map[string]any{"escrow_id": fmt.Sprintf("esc-%d", i), "amount": i * 10}
		canonical, err := CanonicalJSON(payload)
		require.NoError(t, err)
		payloads = append(payloads, canonical)
		_, err = log.Append(ctx, payload)
		require.NoError(t, err)
	}

	root, count, err := log.Root(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(7), count)

	for i := int64(0); i < 7; i++ {
		proof, err := log.Proof(ctx, i)
		require.NoError(t, err)
		require.True(t, VerifyProof(payloads[i], proof, root), "leaf %d", i)
	}

	// a tampered payload must fail
	proof, err := log.Proof(ctx, 3)
	require.NoError(t, err)
	require.False(t, VerifyProof([]byte(`{"escrow_id":"forged"}`), proof, root))
}

func TestOddLeafCountDuplicatesLast(t *testing.T) {
	log := NewLog(setupTestDB(t))
	ctx := context.Background()

	var canonical [][]byte
	for i := 0; i < 3; i++ {
		payload := map[string]any{"n": i}
		c, err := CanonicalJSON(payload)
		require.NoError(t, err)
		canonical = append(canonical, c)
		_, err = log.Append(ctx, payload)
		require.NoError(t, err)
	}

	// recompute by hand: root = H(1, H(1,L0,L1), H(1,L2,L2))
	var leaves [][32]byte
	for _, c := range canonical {
		leaves = append(leaves, sha256.Sum256(append([]byte{0x00}, c...)))
	}
	pair := func(l, r [32]byte) [32]byte {
		buf := append([]byte{0x01}, l[:]...)
		return sha256.Sum256(append(buf, r[:]...))
	}
	left := pair(leaves[0], leaves[1])
	right := pair(leaves[2], leaves[2])
	expected := pair(left, right)

	root, _, err := log.Root(ctx)
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(expected[:]), root)
}

func TestCanonicalJSONDeterministic(t *testing.T) {
	a := map[string]any{"b": 1, "a": map[string]any{"z": true, "y": "x"}}
	b := map[string]any{"a": map[string]any{"y": "x", "z": true}, "b": 1}

	ca, err := CanonicalJSON(a)
	require.NoError(t, err)
	cb, err := CanonicalJSON(b)
	require.NoError(t, err)
	require.Equal(t, ca, cb)
	require.Equal(t, `{"a":{"y":"x","z":true},"b":1}`, string(ca))
}

func TestRecorderAppendsTerminalEvents(t *testing.T) {
	db := setupTestDB(t)
	recorder := NewRecorder(db, nil, nil)
	recorder.SetSynchronous()
	ctx := context.Background()

	resolved := time.Now().UTC()
	esc := models.Escrow{
		ID:          uuid.NewString(),
		RequesterID: uuid.NewString(),
		ProviderID:  uuid.NewString(),
		Amount:      50,
		FeeAmount:   2,
		Status:      models.EscrowReleased,
		CreatedAt:   time.Now().UTC(),
		ResolvedAt:  &resolved,
	}
	recorder.RecordTerminal(ctx, esc)

	count, err := recorder.Log().Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	leaf, err := recorder.Log().Leaf(ctx, 0)
	require.NoError(t, err)
	require.Contains(t, leaf.PayloadJSON, esc.ID)
	require.NotContains(t, leaf.PayloadJSON, "proof")

	root, _, err := recorder.Log().Root(ctx)
	require.NoError(t, err)
	proof, err := recorder.Log().Proof(ctx, 0)
	require.NoError(t, err)
	require.True(t, VerifyProof([]byte(leaf.PayloadJSON), proof, root))
}
