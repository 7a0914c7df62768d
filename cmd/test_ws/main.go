package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"delta-neutral-bot/pkg/ws"
)

func main() {
	url := flag.String("url", "wss://api.starknet.extended.exchange/stream.extended.exchange/v1/prices/mark", "Extended mark-price stream")
	duration := flag.Duration("duration", 0, "stop after this long (0 waits for Ctrl+C)")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).With().Timestamp().Logger()
	log.Info().Str("url", *url).Msg("testing Extended mark-price stream")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	stream := ws.NewMarkPriceStream(*url, time.Minute, log)
	stream.OnUpdate(func(mp ws.MarkPrice) {
		log.Info().Str("market", mp.Market).Float64("mark", mp.Price).Time("at", mp.At).Msg("mark")
	})
	if err := stream.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("stream failed")
	}
	log.Info().Msg("shutting down")
}
