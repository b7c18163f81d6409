package gossip

import (
	"math/bits"

	"github.com/hearth-dev/hearth/internal/nid"
	"golang.org/x/crypto/blake2b"
)

// DefaultPowDifficulty is the required number of leading zero bits on a
// node announcement's work hash. Low by default: the puzzle deters
// flooding, not serious attackers, and constrained deployments still
// need to announce themselves.
const DefaultPowDifficulty = 8

// workHash is the BLAKE2b digest of the announcement's canonical signed
// payload, the value the proof-of-work is measured on.
func workHash(a *Announcement) ([32]byte, error) {
	payload, err := a.signable()
	if err != nil {
		return [32]byte{}, err
	}
	return blake2b.Sum256(payload), nil
}

// CheckWork reports whether a node announcement's hash clears the given
// difficulty.
func CheckWork(a *Announcement, difficulty int) bool {
	digest, err := workHash(a)
	if err != nil {
		return false
	}
	return leadingZeroBits(digest[:]) >= difficulty
}

// Solve grinds the announcement's nonce until the work hash clears the
// difficulty, then re-signs. Runs before announcing, never on receive.
func (a *Announcement) Solve(difficulty int, signer nid.Signer) error {
	for {
		if CheckWork(a, difficulty) {
			payload, err := a.signable()
			if err != nil {
				return err
			}
			a.Signature, err = signer.Sign(payload)
			return err
		}
		a.Node.Nonce++
	}
}

func leadingZeroBits(digest []byte) int {
	total := 0
	for _, b := range digest {
		if b == 0 {
			total += 8
			continue
		}
		total += bits.LeadingZeros8(b)
		break
	}
	return total
}
