package capture

const ChunkBuffer = chunkBuffer
