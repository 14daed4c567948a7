package domain

// Hasher digests a serialized response into a stable content identifier, used for ETags.
type Hasher interface {
	Hash(data []byte) string
}
