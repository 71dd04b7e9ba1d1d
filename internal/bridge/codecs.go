package bridge

import "github.com/MrWong99/voxbridge/internal/codec"

func codecEncoder(engineRate int) codecProcess {
	return codec.NewEncoder(engineRate)
}

func codecDecoder(telephonyRate int) codecProcess {
	return codec.NewDecoder(telephonyRate)
}
