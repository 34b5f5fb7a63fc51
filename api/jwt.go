package api

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims 是市場存取權杖的內容
// Address 是呼叫端在帳本上的地址，所有授權檢查都以這個地址為準
type Claims struct {
	Address string `json:"address"`
	IsAdmin bool   `json:"isAdmin,omitempty"`
	jwt.RegisteredClaims
}

func ParseAndValidateJWT(tokenString string, secret []byte) (*Claims, error) {
	const op = "ParseJWT"
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%s: token is invalid", op)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("%s: token claims are invalid", op)
	}
	if claims.Address == "" {
		return nil, fmt.Errorf("%s: token has no ledger address", op)
	}
	return claims, nil
}
