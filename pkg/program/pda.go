package program

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

func DeriveStatePDA(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("drift_state")}, programID)
}

func DeriveSignerPDA(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("drift_signer")}, programID)
}

func DeriveUserPDA(programID, authority solana.PublicKey, subAccountID uint16) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("user"), authority.Bytes(), u16LE(subAccountID)}, programID)
}

func DeriveUserStatsPDA(programID, authority solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("user_stats"), authority.Bytes()}, programID)
}

func DerivePerpMarketPDA(programID solana.PublicKey, marketIndex uint16) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("perp_market"), u16LE(marketIndex)}, programID)
}

func DeriveSpotMarketPDA(programID solana.PublicKey, marketIndex uint16) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("spot_market"), u16LE(marketIndex)}, programID)
}

func MustDeriveUserPDA(programID, authority solana.PublicKey, subAccountID uint16) solana.PublicKey {
	pk, _, err := DeriveUserPDA(programID, authority, subAccountID)
	if err != nil {
		panic(fmt.Errorf("derive user PDA: %w", err))
	}
	return pk
}

func MustDeriveUserStatsPDA(programID, authority solana.PublicKey) solana.PublicKey {
	pk, _, err := DeriveUserStatsPDA(programID, authority)
	if err != nil {
		panic(fmt.Errorf("derive user stats PDA: %w", err))
	}
	return pk
}

func MustDeriveStatePDA(programID solana.PublicKey) solana.PublicKey {
	pk, _, err := DeriveStatePDA(programID)
	if err != nil {
		panic(fmt.Errorf("derive state PDA: %w", err))
	}
	return pk
}

func MustDeriveMarketPDA(programID solana.PublicKey, perp bool, marketIndex uint16) solana.PublicKey {
	derive := DeriveSpotMarketPDA
	if perp {
		derive = DerivePerpMarketPDA
	}
	pk, _, err := derive(programID, marketIndex)
	if err != nil {
		panic(fmt.Errorf("derive market PDA %d: %w", marketIndex, err))
	}
	return pk
}

// NameString trims the zero padding of a fixed-width on-chain name.
func NameString(name [32]uint8) string {
	index := bytes.IndexByte(name[:], 0)
	if index < 0 {
		index = len(name)
	}
	return string(bytes.TrimRight(name[:index], " "))
}

func EncodeName(name string) [32]uint8 {
	var out [32]uint8
	copy(out[:], name)
	return out
}

func u16LE(value uint16) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, value)
	return buf
}
