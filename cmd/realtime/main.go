// Command realtime runs the emotion classifier against a live camera feed,
// drawing the predicted label above every detected face. Press q to quit.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/color"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/example/emotune/internal/classifier"
	"github.com/example/emotune/internal/config"
	"github.com/example/emotune/internal/events"
	"github.com/example/emotune/internal/logging"
	"github.com/example/emotune/internal/realtime"
)

var green = color.RGBA{G: 255, A: 255}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	device := flag.Int("device", 0, "camera device id")
	cascadePath := flag.String("cascade", "models/haarcascade_frontalface_default.xml", "Haar cascade used for face detection")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	logger, err := logging.NewLogger(cfg.Server.Mode)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	model, err := classifier.NewONNX(classifier.Options{
		ModelPath:    cfg.Model.Path,
		MetadataPath: cfg.Model.MetadataPath,
		LibraryPath:  cfg.Model.ONNXLibraryPath,
	})
	if err != nil {
		logger.Fatal("failed to load classifier", zap.Error(err))
	}
	defer classifier.Shutdown()
	defer model.Close()

	var publisher events.Publisher = events.Noop{}
	if cfg.MQTT.Broker != "" {
		p, err := events.NewMQTTPublisher(events.MQTTConfig{
			Broker:         cfg.MQTT.Broker,
			Topic:          cfg.MQTT.Topic,
			QoS:            cfg.MQTT.QoS,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
		}, logger)
		if err != nil {
			logger.Warn("detection events disabled", zap.Error(err))
		} else {
			publisher = p
		}
	}
	defer publisher.Close()

	if err := run(context.Background(), *device, *cascadePath, realtime.NewRecognizer(model, publisher, logger), logger); err != nil {
		logger.Fatal("realtime loop failed", zap.Error(err))
	}
}

func run(ctx context.Context, device int, cascadePath string, rec *realtime.Recognizer, logger *zap.Logger) error {
	webcam, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return fmt.Errorf("failed to open camera %d: %w", device, err)
	}
	defer webcam.Close()

	cascade := gocv.NewCascadeClassifier()
	defer cascade.Close()
	if !cascade.Load(cascadePath) {
		return fmt.Errorf("failed to load cascade %s", cascadePath)
	}

	window := gocv.NewWindow("Emotion Detection")
	defer window.Close()

	frame := gocv.NewMat()
	defer frame.Close()
	gray := gocv.NewMat()
	defer gray.Close()

	logger.Info("camera opened", zap.Int("device", device))
	for {
		if ok := webcam.Read(&frame); !ok || frame.Empty() {
			logger.Info("camera stream ended", zap.Int("device", device))
			return nil
		}

		gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)
		faces := cascade.DetectMultiScaleWithParams(gray, 1.3, 5, 0, image.Pt(30, 30), image.Pt(0, 0))
		rec.Forget(len(faces))

		for slot, rect := range faces {
			label := "Unknown"
			if text, err := classifyFace(ctx, rec, slot, gray, rect); err != nil {
				logger.Debug("face skipped", zap.Int("slot", slot), zap.Error(err))
			} else {
				label = text
			}
			gocv.Rectangle(&frame, rect, green, 2)
			gocv.PutText(&frame, label, image.Pt(rect.Min.X, rect.Min.Y-10), gocv.FontHersheySimplex, 0.9, green, 2)
		}

		window.IMShow(frame)
		if window.WaitKey(1) == 'q' {
			return nil
		}
	}
}

func classifyFace(ctx context.Context, rec *realtime.Recognizer, slot int, gray gocv.Mat, rect image.Rectangle) (string, error) {
	face, err := faceImage(gray, rect)
	if err != nil {
		return "", err
	}
	pred, err := rec.Recognize(ctx, slot, face)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %.0f%%", pred.Label, pred.Confidence*100), nil
}
