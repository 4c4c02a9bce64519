package descriptor

import "fmt"

// BIP-380 output descriptor checksum: btcsuite ships no descriptor
// parser, so this is a direct port of the reference polynomial checksum
// algorithm, needed to validate/append the checksum the way wallets that
// speak descriptors (and Bitcoin Core itself) do.
const (
	inputCharset    = "0123456789()[],'/*abcdefgh@:$%{}IJKLMNOPQRSTUVWXYZ&+-.;<=>?!^_|~ijklmnopqrstuvwxyzABCDEFGH`#\"\\ "
	checksumCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"
)

var generator = [5]uint64{0xf5dee51989, 0xa9fdca3312, 0x1bab10e32d, 0x3706b1677a, 0x644d626ffd}

func polyMod(c uint64, val uint64) uint64 {
	c0 := c >> 35
	c = ((c & 0x7ffffffff) << 5) ^ val
	for i := 0; i < 5; i++ {
		if (c0>>uint(i))&1 != 0 {
			c ^= generator[i]
		}
	}
	return c
}

// Checksum computes the 8-character BIP-380 checksum for a descriptor
// string (without its own "#checksum" suffix, if any).
func Checksum(desc string) (string, error) {
	c := uint64(1)
	cls := 0
	clsCount := 0

	for _, ch := range desc {
		pos := indexByte(inputCharset, byte(ch))
		if pos < 0 {
			return "", fmt.Errorf("descriptor: invalid character %q in descriptor", ch)
		}
		c = polyMod(c, uint64(pos&31))
		cls = cls*3 + (pos >> 5)
		clsCount++
		if clsCount == 3 {
			c = polyMod(c, uint64(cls))
			cls = 0
			clsCount = 0
		}
	}
	if clsCount > 0 {
		c = polyMod(c, uint64(cls))
	}
	for j := 0; j < 8; j++ {
		c = polyMod(c, 0)
	}
	c ^= 1

	ret := make([]byte, 8)
	for j := 0; j < 8; j++ {
		ret[j] = checksumCharset[(c>>uint(5*(7-j)))&31]
	}
	return string(ret), nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
