package grab

import "strings"

// 出现这些词时接口要求稍后重试
var retryKeywords = []string{
	"请稍后再试",
	"拥挤",
	"重试",
	"稍后",
	"人潮拥挤",
	"商品尚未开售",
	"开小差",
	"系统开小差",
	"系统开小差了",
	"啊哦~ 人潮拥挤，请稍后重试~",
	"请升级到最新版本后重试",
}

// 出现这些词时订单信息需要重新确认
var updateKeywords = []string{
	"确认",
	"地址",
	"自提",
	"应付总额有变动，请再次确认",
	"商品信息变更，请重新确认",
	"模板需要收货地址，请联系商家",
	"店铺信息不能为空",
	"购买的商品超过限购数",
	"请先填写收货人地址",
	"当前下单商品仅支持到店自提，请重新选择收货方式",
	"系统开小差，请稍后重试",
	"自提点地址不能为空",
}

func containsKeyword(message string, keywords []string) bool {
	if message == "" {
		return false
	}
	for _, kw := range keywords {
		if strings.Contains(message, kw) {
			return true
		}
	}
	return false
}
