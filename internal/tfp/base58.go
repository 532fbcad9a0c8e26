package tfp

// base58Alphabet is the Tinkerforge UID alphabet (Bitcoin-style base58,
// omitting 0/O/I/l to avoid visual ambiguity in printed UIDs), grounded
// on original_source/src/brickd/base58.c's BASE58_MAX_STR_SIZE encoding.
const base58Alphabet = "123456789abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ"

// Base58Encode renders a 32-bit UID in Tinkerforge's textual base58
// form (spec §4.7 "the HAT's base58 UID"; GLOSSARY "UID").
func Base58Encode(uid uint32) string {
	if uid == 0 {
		return string(base58Alphabet[0])
	}
	var digits []byte
	for uid > 0 {
		digits = append(digits, base58Alphabet[uid%58])
		uid /= 58
	}
	// digits were appended least-significant first; reverse in place.
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}
	return string(digits)
}
