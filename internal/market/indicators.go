package market

import (
	"fmt"
	"math"

	talib "github.com/markcheno/go-talib"

	"horizon-trader/internal/broker"
)

// IndicatorSet 汇总单一周期K线的常用技术指标，供提示词拼装使用。
type IndicatorSet struct {
	Timeframe     string
	EMA12         float64
	EMA26         float64
	MACD          float64
	MACDSignal    float64
	MACDHistogram float64
	RSI14         float64
	ATR14         float64
	ATRRelative   float64
	VolumeRatio   float64
	Close         float64
	PreviousClose float64
}

// minCandles 覆盖最长的指标回看窗口(MACD 26周期EMA加9周期信号线)。
// 长度不足时 talib 会越界，必须在计算前拦截。
const minCandles = 35

// ComputeIndicators 依据给定K线计算指标，K线需按时间升序排列。
func ComputeIndicators(timeframe string, candles []broker.Candle) (IndicatorSet, error) {
	if len(candles) < minCandles {
		return IndicatorSet{}, fmt.Errorf("market: 计算 %s 指标失败: K线数量不足，至少需要 %d 根，当前 %d",
			timeframe, minCandles, len(candles))
	}

	length := len(candles)
	highs := make([]float64, length)
	lows := make([]float64, length)
	closes := make([]float64, length)
	volumes := make([]float64, length)
	for i, candle := range candles {
		highs[i] = candle.High
		lows[i] = candle.Low
		closes[i] = candle.Close
		volumes[i] = candle.Volume
	}

	ema12 := talib.Ema(closes, 12)
	ema26 := talib.Ema(closes, 26)
	macd, macdSignal, macdHist := talib.Macd(closes, 12, 26, 9)
	rsi := talib.Rsi(closes, 14)
	atr := talib.Atr(highs, lows, closes, 14)

	lastClose := last(closes)
	atrAbs := last(atr)

	volumeAvg20 := average(tail(volumes, 20))
	volumeRatio := safeDivide(last(volumes), volumeAvg20)

	set := IndicatorSet{
		Timeframe:     timeframe,
		EMA12:         clean(last(ema12)),
		EMA26:         clean(last(ema26)),
		MACD:          clean(last(macd)),
		MACDSignal:    clean(last(macdSignal)),
		MACDHistogram: clean(last(macdHist)),
		RSI14:         clean(last(rsi)),
		ATR14:         clean(atrAbs),
		ATRRelative:   clean(safeDivide(atrAbs, lastClose)),
		VolumeRatio:   clean(volumeRatio),
		Close:         clean(lastClose),
		PreviousClose: clean(prev(closes)),
	}

	return set, nil
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}

func prev(values []float64) float64 {
	if len(values) < 2 {
		return math.NaN()
	}
	return values[len(values)-2]
}

func tail(values []float64, n int) []float64 {
	if n <= 0 || len(values) == 0 {
		return nil
	}
	if len(values) <= n {
		return values
	}
	return values[len(values)-n:]
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func safeDivide(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

func clean(value float64) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	return value
}
