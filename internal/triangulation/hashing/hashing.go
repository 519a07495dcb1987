package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidInput = errors.New("invalid relationship identity input")

const separator = "::"

// RelationshipHash returns the directional identity of a candidate
// relationship: lowercase hex SHA-256 of "source::target::type".
func RelationshipHash(source, target, relType string) (string, error) {
	switch {
	case strings.TrimSpace(source) == "":
		return "", fmt.Errorf("%w: empty source qualified name", ErrInvalidInput)
	case strings.TrimSpace(target) == "":
		return "", fmt.Errorf("%w: empty target qualified name", ErrInvalidInput)
	case strings.TrimSpace(relType) == "":
		return "", fmt.Errorf("%w: empty relationship type", ErrInvalidInput)
	}
	sum := sha256.Sum256([]byte(source + separator + target + separator + relType))
	return hex.EncodeToString(sum[:]), nil
}

func MustRelationshipHash(source, target, relType string) string {
	h, err := RelationshipHash(source, target, relType)
	if err != nil {
		panic(err)
	}
	return h
}
