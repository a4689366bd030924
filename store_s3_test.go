package replikv

import (
	"context"
	"testing"
)

// S3Store talks to a real S3 (or S3-compatible) endpoint via the AWS SDK,
// so there is no in-process fake to exercise Get/Put/Scan against without
// either a live bucket or a network-level mock of the AWS HTTP API. These
// tests cover what's reachable without one: config validation and key
// construction.

func TestNewS3Store_RequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3StoreConfig{})
	if err == nil {
		t.Fatal("expected an error when Bucket is empty")
	}
}

func TestS3Store_ObjectKeyAppliesPrefix(t *testing.T) {
	s := &S3Store{cfg: S3StoreConfig{Prefix: "cluster-a/"}}
	if got := s.objectKey("users/1"); got != "cluster-a/users/1" {
		t.Errorf("objectKey = %q, want cluster-a/users/1", got)
	}
}

func TestS3Store_ObjectKeyNoPrefix(t *testing.T) {
	s := &S3Store{}
	if got := s.objectKey("users/1"); got != "users/1" {
		t.Errorf("objectKey = %q, want users/1", got)
	}
}

func TestS3Store_CloseIsNoop(t *testing.T) {
	s := &S3Store{}
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
