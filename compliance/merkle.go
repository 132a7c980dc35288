// Package compliance maintains an append-only Merkle log of terminal
// settlement events, with optional RFC 3161 timestamping of each entry.
// Appends run outside the settlement transaction and never block it.
package compliance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"a2aexchange/models"
)

// EmptyRoot is the root of a log with no entries.
const EmptyRoot = "0000000000000000000000000000000000000000000000000000000000000000"

// Domain-separation prefixes keep leaf hashes from colliding with interior
// node hashes.
const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

func hashLeaf(payload []byte) [32]byte {
	return sha256.Sum256(append([]byte{leafPrefix}, payload...))
}

func hashNode(left, right []byte) [32]byte {
	buf := make([]byte, 0, 1+len(left)+len(right))
	buf = append(buf, nodePrefix)
	buf = append(buf, left...)
	buf = append(buf, right...)
	return sha256.Sum256(buf)
}

// Log is the gorm-backed Merkle tree. Level 0 mirrors the leaf hashes; an
// odd node count at any level duplicates the last node upward.
type Log struct {
	db *gorm.DB
}

func NewLog(db *gorm.DB) *Log {
	return &Log{db: db}
}

// Append adds a canonicalised payload as the next leaf and recomputes the
// path to the root. Returns the leaf position.
func (l *Log) Append(ctx context.Context, payload map[string]any) (int64, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return 0, err
	}
	leafHash := hashLeaf(canonical)

	var position int64
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.MerkleLeaf{}).Count(&count).Error; err != nil {
			return err
		}
		position = count

		now := time.Now().UTC()
		if err := tx.Create(&models.MerkleLeaf{
			Position:    position,
			DataHash:    hex.EncodeToString(leafHash[:]),
			PayloadJSON: string(canonical),
			CreatedAt:   now,
		}).Error; err != nil {
			return err
		}
		return l.recomputePath(tx, position, count+1)
	})
	if err != nil {
		return 0, err
	}
	return position, nil
}

// recomputePath upserts the appended leaf's node and every ancestor up to
// the root. The new leaf is always the rightmost, so the affected nodes are
// exactly the rightmost node of each level.
func (l *Log) recomputePath(tx *gorm.DB, position, leafCount int64) error {
	var leaf models.MerkleLeaf
	if err := tx.First(&leaf, "position = ?", position).Error; err != nil {
		return err
	}
	raw, err := hex.DecodeString(leaf.DataHash)
	if err != nil {
		return fmt.Errorf("corrupt leaf hash at %d: %w", position, err)
	}
	if err := upsertNode(tx, 0, position, raw); err != nil {
		return err
	}

	level := int64(0)
	pos := position
	count := leafCount
	for count > 1 {
		parentPos := pos / 2
		left, err := nodeHash(tx, level, parentPos*2)
		if err != nil {
			return err
		}
		right, err := nodeHash(tx, level, parentPos*2+1)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			right = left
		} else if err != nil {
			return err
		}
		parent := hashNode(left, right)
		if err := upsertNode(tx, level+1, parentPos, parent[:]); err != nil {
			return err
		}
		pos = parentPos
		count = (count + 1) / 2
		level++
	}
	return nil
}

func upsertNode(tx *gorm.DB, level, position int64, hash []byte) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "level"}, {Name: "position"}},
		DoUpdates: clause.AssignmentColumns([]string{"hash"}),
	}).Create(&models.MerkleNode{
		Level:    level,
		Position: position,
		Hash:     hex.EncodeToString(hash),
	}).Error
}

func nodeHash(tx *gorm.DB, level, position int64) ([]byte, error) {
	var node models.MerkleNode
	if err := tx.First(&node, "level = ? AND position = ?", level, position).Error; err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(node.Hash)
	if err != nil {
		return nil, fmt.Errorf("corrupt node hash at (%d,%d): %w", level, position, err)
	}
	return raw, nil
}

// Root returns the current root hash as hex, or EmptyRoot for an empty log.
func (l *Log) Root(ctx context.Context) (string, int64, error) {
	db := l.db.WithContext(ctx)
	var count int64
	if err := db.Model(&models.MerkleLeaf{}).Count(&count).Error; err != nil {
		return "", 0, err
	}
	if count == 0 {
		return EmptyRoot, 0, nil
	}
	level := int64(0)
	for n := count; n > 1; n = (n + 1) / 2 {
		level++
	}
	var node models.MerkleNode
	if err := db.First(&node, "level = ? AND position = ?", level, 0).Error; err != nil {
		return "", 0, err
	}
	return node.Hash, count, nil
}

// ProofStep is one sibling hash on the audit path. Left reports whether the
// sibling sits to the left of the running hash.
type ProofStep struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"`
}

// Proof returns the inclusion proof for the leaf at position.
func (l *Log) Proof(ctx context.Context, position int64) ([]ProofStep, error) {
	db := l.db.WithContext(ctx)
	var count int64
	if err := db.Model(&models.MerkleLeaf{}).Count(&count).Error; err != nil {
		return nil, err
	}
	if position < 0 || position >= count {
		return nil, fmt.Errorf("leaf position %d out of range [0,%d)", position, count)
	}

	steps := []ProofStep{}
	pos := position
	for n, level := count, int64(0); n > 1; n, level = (n+1)/2, level+1 {
		sibPos := pos ^ 1
		var sib []byte
		var err error
		if sibPos < n {
			sib, err = nodeHash(db, level, sibPos)
		} else {
			// odd count at this level: the last node is paired with itself
			sib, err = nodeHash(db, level, pos)
		}
		if err != nil {
			return nil, err
		}
		steps = append(steps, ProofStep{
			Hash: hex.EncodeToString(sib),
			Left: sibPos < pos,
		})
		pos /= 2
	}
	return steps, nil
}

// VerifyProof recomputes the root from a leaf payload and its audit path.
func VerifyProof(payload []byte, steps []ProofStep, root string) bool {
	running := hashLeaf(payload)
	current := running[:]
	for _, step := range steps {
		sib, err := hex.DecodeString(step.Hash)
		if err != nil {
			return false
		}
		var next [32]byte
		if step.Left {
			next = hashNode(sib, current)
		} else {
			next = hashNode(current, sib)
		}
		current = next[:]
	}
	return hex.EncodeToString(current) == root
}

// Leaf fetches a stored attestation.
func (l *Log) Leaf(ctx context.Context, position int64) (*models.MerkleLeaf, error) {
	var leaf models.MerkleLeaf
	if err := l.db.WithContext(ctx).First(&leaf, "position = ?", position).Error; err != nil {
		return nil, err
	}
	return &leaf, nil
}

// Count returns the number of appended attestations.
func (l *Log) Count(ctx context.Context) (int64, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&models.MerkleLeaf{}).Count(&count).Error
	return count, err
}

// CanonicalJSON serialises a payload deterministically: keys sorted, no
// insignificant whitespace. encoding/json already sorts map keys; nested
// maps are normalised recursively.
func CanonicalJSON(payload map[string]any) ([]byte, error) {
	return json.Marshal(normalise(payload))
}

func normalise(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(val))
		for _, k := range keys {
			out[k] = normalise(val[k])
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalise(item)
		}
		return out
	default:
		return v
	}
}
