package commands

import (
	"testing"

	"github.com/cryptech/hsmcore/internal/hash"
	"github.com/cryptech/hsmcore/internal/keystore"
)

func TestAlgorithmByNameCoversHashPackage(t *testing.T) {
	want := []hash.Algorithm{hash.SHA1, hash.SHA224, hash.SHA256, hash.SHA384, hash.SHA512, hash.SHA512_224, hash.SHA512_256}
	seen := make(map[hash.Algorithm]bool)
	for _, alg := range algorithmByName {
		seen[alg] = true
	}
	for _, alg := range want {
		if !seen[alg] {
			t.Fatalf("algorithmByName is missing %v", alg)
		}
	}
}

func TestCurveByNameCoversKeystorePackage(t *testing.T) {
	want := []keystore.Curve{keystore.CurveP256, keystore.CurveP384, keystore.CurveP521}
	seen := make(map[keystore.Curve]bool)
	for _, curve := range curveByName {
		seen[curve] = true
	}
	for _, curve := range want {
		if !seen[curve] {
			t.Fatalf("curveByName is missing %v", curve)
		}
	}
}
