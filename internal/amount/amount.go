// Package amount 提供最小单位定点运算，十进制字符串只在展示边界出现。
package amount

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// BpsDenominator 为万分比分母。
const BpsDenominator = 10000

var (
	// ErrNegative 表示输入金额为负。
	ErrNegative = errors.New("amount: 金额不能为负")
	// ErrOverflow 表示金额超出 uint256 范围。
	ErrOverflow = errors.New("amount: 金额溢出")

	bpsDenominator = uint256.NewInt(BpsDenominator)
	halfBps        = uint256.NewInt(BpsDenominator / 2)
)

// Parse 将十进制字符串按精度转换为最小单位，超出精度的部分向下截断。
func Parse(raw string, decimals uint8) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(uint256.Int), nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("amount: 解析 %q 失败: %w", raw, err)
	}
	return FromDecimal(d, decimals)
}

// FromDecimal 将十进制数转换为最小单位。
func FromDecimal(d decimal.Decimal, decimals uint8) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, ErrNegative
	}
	scaled := d.Shift(int32(decimals)).Truncate(0)
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, ErrOverflow
	}
	return v, nil
}

// ToDecimal 将最小单位转换为十进制数。
func ToDecimal(v *uint256.Int, decimals uint8) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v.ToBig(), -int32(decimals))
}

// Format 返回去掉多余零的十进制字符串。
func Format(v *uint256.Int, decimals uint8) string {
	return ToDecimal(v, decimals).String()
}

// IsZero 对 nil 安全。
func IsZero(v *uint256.Int) bool {
	return v == nil || v.IsZero()
}

// Clone 返回副本，nil 视为零。
func Clone(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}

// Equal 对 nil 安全的相等比较。
func Equal(a, b *uint256.Int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Eq(b)
}

// MulBps 计算 v*bps/10000，向下取整。
func MulBps(v *uint256.Int, bps uint32) *uint256.Int {
	if IsZero(v) || bps == 0 {
		return new(uint256.Int)
	}
	out, _ := new(uint256.Int).MulDivOverflow(v, uint256.NewInt(uint64(bps)), bpsDenominator)
	return out
}

// PercentMul 计算 v*bps/10000，四舍五入，与借贷池的费率计算一致。
func PercentMul(v *uint256.Int, bps uint32) *uint256.Int {
	if IsZero(v) || bps == 0 {
		return new(uint256.Int)
	}
	num := new(uint256.Int).Mul(v, uint256.NewInt(uint64(bps)))
	num.Add(num, halfBps)
	return num.Div(num, bpsDenominator)
}

// AddBps 返回 v*(10000+bps)/10000。
func AddBps(v *uint256.Int, bps uint32) *uint256.Int {
	out, _ := new(uint256.Int).MulDivOverflow(Clone(v), uint256.NewInt(uint64(BpsDenominator)+uint64(bps)), bpsDenominator)
	return out
}

// SubBps 返回 v*(10000-bps)/10000，bps 超过 10000 时为零。
func SubBps(v *uint256.Int, bps uint32) *uint256.Int {
	if bps >= BpsDenominator {
		return new(uint256.Int)
	}
	out, _ := new(uint256.Int).MulDivOverflow(Clone(v), uint256.NewInt(uint64(BpsDenominator-bps)), bpsDenominator)
	return out
}

// Add 返回 a+b，nil 视为零。
func Add(a, b *uint256.Int) *uint256.Int {
	return new(uint256.Int).Add(Clone(a), Clone(b))
}

// SubFloor 返回 a-b，结果小于零时为零。
func SubFloor(a, b *uint256.Int) *uint256.Int {
	x, y := Clone(a), Clone(b)
	if x.Lt(y) {
		return new(uint256.Int)
	}
	return x.Sub(x, y)
}

// Less 对 nil 安全的 a<b。
func Less(a, b *uint256.Int) bool {
	return Clone(a).Lt(Clone(b))
}

// String 返回十进制最小单位字符串，nil 为 "0"。
func String(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// FromString 解析十进制最小单位字符串。
func FromString(raw string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("amount: 解析最小单位 %q 失败: %w", raw, err)
	}
	return v, nil
}

// MustFromString 供常量与测试使用。
func MustFromString(raw string) *uint256.Int {
	v, err := FromString(raw)
	if err != nil {
		panic(err)
	}
	return v
}
