package models

import "testing"

func TestConvKeyP2PSymmetric(t *testing.T) {
	if ConvKeyP2P(7, 3) != ConvKeyP2P(3, 7) {
		t.Fatal("conversation key depends on argument order")
	}
	if got := ConvKeyP2P(7, 3); got != "p2p:3:7" {
		t.Fatalf("ConvKeyP2P(7,3) = %q, want p2p:3:7", got)
	}
}

func TestMessageConvKey(t *testing.T) {
	p := &Message{SenderID: 9, RecipientID: 2, Kind: KindP2P}
	if got := p.ConvKey(); got != "p2p:2:9" {
		t.Fatalf("p2p key = %q, want p2p:2:9", got)
	}
	g := &Message{SenderID: 9, RecipientID: 5, Kind: KindGroup}
	if got := g.ConvKey(); got != "group:5" {
		t.Fatalf("group key = %q, want group:5", got)
	}
}
