//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package main

import (
	"MailSentry/internal/biz"
	"MailSentry/internal/conf"
	"MailSentry/internal/data"
	"MailSentry/internal/server"
	"MailSentry/internal/service"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// wireApp init kratos application.
func wireApp(*conf.Bootstrap, log.Logger) (*kratos.App, func(), error) {
	panic(wire.Build(
		provideServerConf,
		provideDataConf,
		data.ProviderSet,
		biz.ProviderSet,
		service.ProviderSet,
		server.ProviderSet,
		NewCronServer,
		newApp,
	))
}

func provideServerConf(bc *conf.Bootstrap) *conf.Server {
	return bc.Server
}

func provideDataConf(bc *conf.Bootstrap) *conf.Data {
	return bc.Data
}
