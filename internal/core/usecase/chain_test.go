package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestChainLinkGenesis(t *testing.T) {
	linker := NewChainLinker()
	recordHash := "abc123"

	sum := sha256.Sum256([]byte(":" + recordHash))
	want := hex.EncodeToString(sum[:])
	if got := linker.Link(recordHash, ""); got != want {
		t.Fatalf("genesis link mismatch: got %s want %s", got, want)
	}
}

func TestChainLinkMaterial(t *testing.T) {
	linker := NewChainLinker()

	sum := sha256.Sum256([]byte("prevhash:recordhash"))
	want := hex.EncodeToString(sum[:])
	if got := linker.Link("recordhash", "prevhash"); got != want {
		t.Fatalf("link mismatch: got %s want %s", got, want)
	}
}

func TestChainLinkDependsOnPredecessor(t *testing.T) {
	linker := NewChainLinker()
	if linker.Link("h", "a") == linker.Link("h", "b") {
		t.Fatal("different predecessors must produce different links")
	}
	if linker.Link("h1", "p") == linker.Link("h2", "p") {
		t.Fatal("different record hashes must produce different links")
	}
}
