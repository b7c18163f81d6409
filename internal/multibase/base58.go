// Package multibase implements the one multibase encoding this codebase
// needs: base58-btc, self-describing with the "z" prefix byte per the
// multibase spec (https://github.com/multiformats/multibase). It backs
// both node DIDs (internal/nid) and content digests (internal/hash).
//
// No multibase/multicodec library appears anywhere in the retrieval pack;
// base58-btc over short fixed-length byte strings is small enough that
// pulling in an unvetted third-party dependency for it would not track
// anything the corpus actually reaches for.
package multibase

import "fmt"

// alphabet is the Bitcoin/IPFS base58 alphabet.
const alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

const prefix = 'z'

var index [256]int8

func init() {
	for i := range index {
		index[i] = -1
	}
	for i, c := range alphabet {
		index[byte(c)] = int8(i)
	}
}

// Encode returns the self-describing base58-btc multibase encoding of
// payload: a leading 'z' followed by its base58 digits.
func Encode(payload []byte) string {
	return string(prefix) + encodeBase58(payload)
}

// Decode parses a multibase string produced by Encode. It rejects any
// base other than base58-btc.
func Decode(s string) ([]byte, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("multibase: empty string")
	}
	if s[0] != prefix {
		return nil, fmt.Errorf("multibase: unsupported base (want base58-btc, %q)", string(prefix))
	}
	return decodeBase58(s[1:])
}

func encodeBase58(input []byte) string {
	leadingZeros := 0
	for leadingZeros < len(input) && input[leadingZeros] == 0 {
		leadingZeros++
	}

	digits := make([]byte, 0, len(input)*138/100+1)
	for _, b := range input {
		carry := int(b)
		for i := 0; i < len(digits); i++ {
			carry += int(digits[i]) << 8
			digits[i] = byte(carry % 58)
			carry /= 58
		}
		for carry > 0 {
			digits = append(digits, byte(carry%58))
			carry /= 58
		}
	}

	out := make([]byte, leadingZeros, leadingZeros+len(digits))
	for i := range out[:leadingZeros] {
		out[i] = alphabet[0]
	}
	for i := len(digits) - 1; i >= 0; i-- {
		out = append(out, alphabet[digits[i]])
	}
	return string(out)
}

func decodeBase58(input string) ([]byte, error) {
	leadingOnes := 0
	for leadingOnes < len(input) && input[leadingOnes] == alphabet[0] {
		leadingOnes++
	}

	bytesOut := make([]byte, 0, len(input))
	for i := 0; i < len(input); i++ {
		digit := index[input[i]]
		if digit < 0 {
			return nil, fmt.Errorf("multibase: invalid base58 character %q", input[i])
		}
		carry := int(digit)
		for j := 0; j < len(bytesOut); j++ {
			carry += int(bytesOut[j]) * 58
			bytesOut[j] = byte(carry & 0xff)
			carry >>= 8
		}
		for carry > 0 {
			bytesOut = append(bytesOut, byte(carry&0xff))
			carry >>= 8
		}
	}

	out := make([]byte, leadingOnes, leadingOnes+len(bytesOut))
	for i := len(bytesOut) - 1; i >= 0; i-- {
		out = append(out, bytesOut[i])
	}
	return out, nil
}
