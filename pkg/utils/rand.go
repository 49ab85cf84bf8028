package utils

import (
	gonanoid "github.com/matoous/go-nanoid"
)

const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandText 生成指定长度的随机字母数字串
func RandText(n int) string {
	s, err := gonanoid.Generate(letters, n)
	if err != nil {
		return ""
	}
	return s
}
