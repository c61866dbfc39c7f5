package llm

import (
	"context"
	"errors"
	"io"
	"strings"

	"ecg-triage-server/src/core/types"

	"github.com/sashabaranov/go-openai"
)

// StreamCompletion 以流式方式调用chat completion，过滤<think>块后逐段写入通道。
// 调用失败时发送一个带Error的片段后关闭通道。
func StreamCompletion(ctx context.Context, client *openai.Client, req openai.ChatCompletionRequest) <-chan types.Response {
	responseChan := make(chan types.Response, 10)

	go func() {
		defer close(responseChan)

		req.Stream = true
		stream, err := client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			send(ctx, responseChan, types.Response{Error: err.Error()})
			return
		}
		defer stream.Close()

		filter := &ThinkFilter{}
		stopReason := ""
		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				if rest := filter.Flush(); rest != "" {
					send(ctx, responseChan, types.Response{Content: rest})
				}
				send(ctx, responseChan, types.Response{StopReason: stopReason})
				return
			}
			if err != nil {
				send(ctx, responseChan, types.Response{Error: err.Error()})
				return
			}
			if len(response.Choices) == 0 {
				continue
			}

			choice := response.Choices[0]
			if choice.FinishReason != "" {
				stopReason = string(choice.FinishReason)
			}
			if content := filter.Push(choice.Delta.Content); content != "" {
				if !send(ctx, responseChan, types.Response{Content: content}) {
					return
				}
			}
		}
	}()

	return responseChan
}

func send(ctx context.Context, ch chan<- types.Response, r types.Response) bool {
	select {
	case ch <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// ThinkFilter 去掉推理模型输出中的<think>...</think>内容，标签可以跨片段
type ThinkFilter struct {
	inThink bool
	buf     string
}

// Push 写入一段内容，返回可以输出的部分
func (f *ThinkFilter) Push(chunk string) string {
	f.buf += chunk
	var out strings.Builder
	for {
		if f.inThink {
			i := strings.Index(f.buf, thinkClose)
			if i < 0 {
				keep := len(thinkClose) - 1
				if len(f.buf) > keep {
					f.buf = f.buf[len(f.buf)-keep:]
				}
				return out.String()
			}
			f.buf = f.buf[i+len(thinkClose):]
			f.inThink = false
			continue
		}

		i := strings.Index(f.buf, thinkOpen)
		if i < 0 {
			cut := partialSuffix(f.buf, thinkOpen)
			out.WriteString(f.buf[:len(f.buf)-cut])
			f.buf = f.buf[len(f.buf)-cut:]
			return out.String()
		}
		out.WriteString(f.buf[:i])
		f.buf = f.buf[i+len(thinkOpen):]
		f.inThink = true
	}
}

// Flush 返回缓冲中剩余的可输出内容
func (f *ThinkFilter) Flush() string {
	if f.inThink {
		f.buf = ""
		return ""
	}
	rest := f.buf
	f.buf = ""
	return rest
}

// partialSuffix s末尾与tag前缀重合的最大长度（小于len(tag)）
func partialSuffix(s, tag string) int {
	for k := len(tag) - 1; k > 0; k-- {
		if strings.HasSuffix(s, tag[:k]) {
			return k
		}
	}
	return 0
}
