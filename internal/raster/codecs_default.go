//go:build !imagick

package raster

func extraCodecs() []Codec { return nil }
