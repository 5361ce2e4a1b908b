package redis

import "testing"

func TestKeys(t *testing.T) {
	if key := ArtifactKey("job1/clip.mp4"); key != "terafetch:artifact:job1/clip.mp4" {
		t.Errorf("ArtifactKey() = %q", key)
	}
	if AllArtifactsKey() == ArtifactKey("") {
		t.Error("the artifact set must not collide with an artifact key")
	}
}

func TestNewStoreDefaultTTL(t *testing.T) {
	if s := NewStore(nil, 0); s.ttl != DefaultArtifactTTL {
		t.Errorf("ttl = %v, want %v", s.ttl, DefaultArtifactTTL)
	}
}
