package node

import (
	"sync"
	"testing"

	"ocppmesh/internal/crypto"
	"ocppmesh/internal/proto"
)

func TestDeriveNodeID(t *testing.T) {
	pub := []byte("test-pubkey")
	got := DeriveNodeID(pub)
	if got != proto.NodeID("node-"+crypto.KeyID(pub)) {
		t.Fatalf("unexpected node id %q", got)
	}
}

func TestNewNodeGeneratesAndReloadsKeys(t *testing.T) {
	dir := t.TempDir()
	n, err := NewNode(dir, Options{KeyBits: crypto.MinRSABits})
	if err != nil {
		t.Fatalf("new node failed: %v", err)
	}
	if len(n.PubKey) == 0 || len(n.PrivKey) == 0 {
		t.Fatalf("expected keypair to be generated")
	}
	if _, _, err := crypto.LoadKeypair(dir); err != nil {
		t.Fatalf("expected keypair persisted: %v", err)
	}
	again, err := NewNode(dir, Options{ID: "CSMS"})
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if again.KeyID != n.KeyID {
		t.Fatalf("reload generated a new key")
	}
	if again.Self() != "CSMS" {
		t.Fatalf("configured id ignored: %q", again.Self())
	}

	digest := crypto.SHA3_256([]byte("x"))
	sig, err := n.SignDigest(digest)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if !crypto.VerifyDigest(again.PubKey, digest, sig) {
		t.Fatalf("signature does not verify with reloaded key")
	}
}

func TestAnycastSwap(t *testing.T) {
	n := &Node{ID: "R"}
	if n.IsLocal("ANY") {
		t.Fatalf("unexpected anycast before set")
	}
	n.SetAnycast([]proto.NodeID{"ANY", "", "CSMS"})
	if !n.IsLocal("R") || !n.IsLocal("ANY") || !n.IsLocal("CSMS") {
		t.Fatalf("expected local ids to match")
	}
	if got := n.Anycast(); len(got) != 2 || got[0] != "ANY" || got[1] != "CSMS" {
		t.Fatalf("unexpected anycast set %v", got)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			n.SetAnycast([]proto.NodeID{"ANY"})
		}()
		go func() {
			defer wg.Done()
			_ = n.IsLocal("ANY")
		}()
	}
	wg.Wait()
	if n.IsLocal("CSMS") || !n.IsLocal("ANY") {
		t.Fatalf("unexpected anycast set after swap %v", n.Anycast())
	}
}
