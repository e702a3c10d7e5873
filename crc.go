package sensornode

import "github.com/sigurn/crc8"

// Sensirion CRC-8: polynomial 0x31, init 0xFF, no reflection.
var sensirionTable = crc8.MakeTable(crc8.Params{
	Poly:   0x31,
	Init:   0xFF,
	RefIn:  false,
	RefOut: false,
	XorOut: 0x00,
	Check:  0xF7,
	Name:   "CRC-8/NRSC-5",
})

// CRC8 returns the Sensirion checksum of data.
func CRC8(data []byte) byte {
	return crc8.Checksum(data, sensirionTable)
}

// CheckCRC8 verifies that every 2-byte word in data is followed by its checksum.
func CheckCRC8(data []byte) bool {
	for i := 0; i+2 < len(data); i += 3 {
		if CRC8(data[i:i+2]) != data[i+2] {
			return false
		}
	}
	return true
}

// AppendWord appends a big endian word and its checksum.
func AppendWord(buf []byte, w uint16) []byte {
	word := []byte{byte(w >> 8), byte(w)}
	return append(buf, word[0], word[1], CRC8(word))
}
